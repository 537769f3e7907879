package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/livesession/internal/connection"
	"github.com/rickgao/livesession/internal/dispatch"
	"github.com/rickgao/livesession/internal/protocol"
)

// liveServer is a minimal live-session server.
type liveServer struct {
	srv         *httptest.Server
	rejectToken string

	mu       sync.Mutex
	paths    []string
	tokens   []string
	received []protocol.Envelope
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	ls := &liveServer{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ls.mu.Lock()
		ls.paths = append(ls.paths, r.URL.Path)
		ls.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			ls.handle(conn, env)
		}
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func (ls *liveServer) handle(conn *websocket.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAuthenticate:
		var p protocol.AuthenticatePayload
		env.DecodePayload(&p)
		ls.mu.Lock()
		ls.tokens = append(ls.tokens, p.Token)
		reject := p.Token == ls.rejectToken
		ls.mu.Unlock()
		if reject {
			writeEnvelope(conn, protocol.TypeAuthenticationFailed, map[string]string{"message": "invalid token"})
			return
		}
		writeEnvelope(conn, protocol.TypeAuthenticated, nil)

	case protocol.TypePing:
		writeEnvelope(conn, protocol.TypePong, nil)

	case protocol.TypeChatMessage:
		ls.record(env)
		var p protocol.ChatMessagePayload
		env.DecodePayload(&p)
		writeEnvelope(conn, "expert_message", map[string]string{"text": "echo: " + p.Content})

	default:
		ls.record(env)
	}
}

func (ls *liveServer) record(env protocol.Envelope) {
	ls.mu.Lock()
	ls.received = append(ls.received, env)
	ls.mu.Unlock()
}

func (ls *liveServer) receivedTypes() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]string, len(ls.received))
	for i, env := range ls.received {
		out[i] = env.Type
	}
	return out
}

func (ls *liveServer) chatContents() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	var out []string
	for _, env := range ls.received {
		if env.Type != protocol.TypeChatMessage {
			continue
		}
		var p protocol.ChatMessagePayload
		env.DecodePayload(&p)
		out = append(out, p.Content)
	}
	return out
}

func (ls *liveServer) seenTokens() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return append([]string(nil), ls.tokens...)
}

func writeEnvelope(conn *websocket.Conn, typ string, payload any) {
	env, err := protocol.New(typ, payload, "")
	if err != nil {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(ls *liveServer, token string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = Endpoint{BaseURL: ls.srv.URL + "/live", ResourceID: "debate-1"}
	if token != "" {
		cfg.Token = StaticToken(token)
	}
	cfg.Connection.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.Connection.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.Connection.AuthTimeout = time.Second
	return cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

// recordingNotifier collects notices.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []string
	levels  []Level
}

func (n *recordingNotifier) Notify(level Level, message string) {
	n.mu.Lock()
	n.notices = append(n.notices, message)
	n.levels = append(n.levels, level)
	n.mu.Unlock()
}

func (n *recordingNotifier) snapshot() ([]Level, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Level(nil), n.levels...), append([]string(nil), n.notices...)
}

func TestClient_EndToEnd(t *testing.T) {
	ls := newLiveServer(t)
	c := newTestClient(t, testConfig(ls, "tok-a"))

	echoes := make(chan string, 4)
	c.Subscribe("expert_message", func(ev dispatch.Event) {
		var p map[string]string
		if raw, ok := ev.Data.(json.RawMessage); ok {
			json.Unmarshal(raw, &p)
		}
		echoes <- p["text"]
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	sent, err := c.SendChatMessage("hello")
	require.NoError(t, err)
	assert.True(t, sent, "ready client should write immediately")

	select {
	case text := <-echoes:
		assert.Equal(t, "echo: hello", text)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	st := c.Status()
	assert.Equal(t, connection.StateReady, st.State)
	assert.Equal(t, 0, st.Attempts)
	assert.Equal(t, []string{"tok-a"}, ls.seenTokens())

	ls.mu.Lock()
	assert.Equal(t, []string{"/live/debate-1"}, ls.paths)
	ls.mu.Unlock()
}

func TestClient_QueuedBeforeConnect(t *testing.T) {
	ls := newLiveServer(t)
	c := newTestClient(t, testConfig(ls, "tok-a"))

	for _, content := range []string{"A", "B", "C"} {
		sent, err := c.SendChatMessage(content)
		require.NoError(t, err)
		require.False(t, sent, "idle client should queue")
	}
	assert.Equal(t, 3, c.Status().QueueLen)

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(ls.chatContents()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, ls.chatContents())
	assert.Equal(t, 0, c.Status().QueueLen)
}

func TestClient_AuthRejected(t *testing.T) {
	ls := newLiveServer(t)
	ls.rejectToken = "stale"

	notifier := &recordingNotifier{}
	cfg := testConfig(ls, "stale")
	cfg.Notifier = notifier
	c := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, connection.ErrAuthRejected)
	assert.Equal(t, connection.StateFailed, c.Status().State)

	require.Eventually(t, func() bool {
		levels, _ := notifier.snapshot()
		return len(levels) > 0
	}, time.Second, 5*time.Millisecond)

	levels, notices := notifier.snapshot()
	assert.Equal(t, LevelError, levels[0])
	assert.Contains(t, notices[0], "Authentication failed")
}

func TestClient_SetAuthTokenReconnects(t *testing.T) {
	ls := newLiveServer(t)
	c := newTestClient(t, testConfig(ls, "tok-a"))

	reconnected := make(chan struct{}, 4)
	c.Subscribe(connection.EventConnect, func(dispatch.Event) { reconnected <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	<-reconnected

	c.SetAuthToken("tok-b")

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after token rotation")
	}
	assert.Equal(t, []string{"tok-a", "tok-b"}, ls.seenTokens())
	assert.Equal(t, 0, c.Status().Attempts)

	// Same token again is a no-op.
	c.SetAuthToken("tok-b")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ls.seenTokens(), 2)
}

func TestClient_HandlerCanCallBack(t *testing.T) {
	ls := newLiveServer(t)
	c := newTestClient(t, testConfig(ls, ""))

	c.Subscribe(connection.EventConnect, func(dispatch.Event) {
		c.Send("typing", map[string]bool{"typing": true})
		c.Status()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool {
		types := ls.receivedTypes()
		return len(types) == 1 && types[0] == "typing"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_NotifiesConnected(t *testing.T) {
	ls := newLiveServer(t)
	notifier := &recordingNotifier{}
	cfg := testConfig(ls, "")
	cfg.Notifier = notifier
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		_, notices := notifier.snapshot()
		return len(notices) == 1
	}, time.Second, 5*time.Millisecond)
	levels, notices := notifier.snapshot()
	assert.Equal(t, []Level{LevelInfo}, levels)
	assert.Equal(t, []string{"Connected"}, notices)
}

func TestClient_DisconnectAndReconnect(t *testing.T) {
	ls := newLiveServer(t)
	c := newTestClient(t, testConfig(ls, "tok-a"))

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()
	assert.Equal(t, connection.StateClosed, c.Status().State)

	sent, err := c.SendChatMessage("while closed")
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(ls.chatContents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"while closed"}, ls.chatContents())
}

func TestClient_ClosedRejectsUse(t *testing.T) {
	ls := newLiveServer(t)
	c := newTestClient(t, testConfig(ls, ""))

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()), "second Close should be a no-op")

	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	_, err := c.SendChatMessage("x")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_Wrappers(t *testing.T) {
	ls := newLiveServer(t)
	c := newTestClient(t, testConfig(ls, ""))
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.RateMessage("msg-1", 5)
	require.NoError(t, err)
	_, err = c.RequestSync()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ls.receivedTypes()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypeRateMessage, protocol.TypeRequestSync}, ls.receivedTypes())

	ls.mu.Lock()
	var rate protocol.RateMessagePayload
	require.NoError(t, ls.received[0].DecodePayload(&rate))
	assert.Equal(t, "debate-1", ls.received[0].SessionID)
	ls.mu.Unlock()
	assert.Equal(t, protocol.RateMessagePayload{MessageID: "msg-1", Rating: 5}, rate)
}

func TestNew_InvalidEndpoint(t *testing.T) {
	_, err := New(Config{Endpoint: Endpoint{BaseURL: "ftp://host", ResourceID: "x"}}, nil)
	assert.ErrorIs(t, err, ErrBadScheme)
}
