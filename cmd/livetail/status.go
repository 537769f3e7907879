package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/livesession/internal/connection"
)

type statusSource interface {
	Status() connection.Status
}

type statusResponse struct {
	State         string     `json:"state"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LatencyMs     *int64     `json:"latency_ms,omitempty"`
	LastPingAt    *time.Time `json:"last_ping_at,omitempty"`
	QueueLen      int        `json:"queue_len"`
	Error         string     `json:"error,omitempty"`
}

// statusHandler serves /status as JSON and /health as 200 when the
// session is ready, 503 otherwise.
func statusHandler(src statusSource) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toResponse(src.Status()))
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		st := src.Status()
		if st.State != connection.StateReady {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(st.State.String()))
	})

	return mux
}

func toResponse(st connection.Status) statusResponse {
	resp := statusResponse{
		State:       st.State.String(),
		Attempts:    st.Attempts,
		MaxAttempts: st.MaxAttempts,
		QueueLen:    st.QueueLen,
	}
	if !st.LastAttemptAt.IsZero() {
		resp.LastAttemptAt = &st.LastAttemptAt
	}
	if !st.LastPingAt.IsZero() {
		resp.LastPingAt = &st.LastPingAt
	}
	if st.HasLatency {
		ms := st.Latency.Milliseconds()
		resp.LatencyMs = &ms
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}
