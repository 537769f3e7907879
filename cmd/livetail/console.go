package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/livesession/internal/connection"
	"github.com/rickgao/livesession/internal/dispatch"
	"github.com/rickgao/livesession/internal/protocol"
)

// errQuit ends the run without reporting a failure.
var errQuit = errors.New("quit")

// sessionControl is the part of session.Client the console drives.
type sessionControl interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendChatMessage(content string) (bool, error)
	Reply(replyTo, content string) (bool, error)
	RateMessage(messageID string, rating int) (bool, error)
	RequestSync() (bool, error)
	SetAuthToken(token string)
	Status() connection.Status
}

const consoleHelp = `commands:
  <text>               send a chat message
  /reply <id> <text>   reply to a message
  /rate <id> <n>       rate a message
  /sync                request session state
  /status              show connection status
  /token <token>       rotate the auth token
  /disconnect          close the connection
  /reconnect           connect again (also after a failure)
  /quit                exit`

// runConsole executes lines until ctx ends or /quit. Stdin EOF leaves the
// session running.
func runConsole(ctx context.Context, s sessionControl, lines <-chan string, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := handleLine(ctx, s, strings.TrimSpace(line), out); err != nil {
				return err
			}
		}
	}
}

func handleLine(ctx context.Context, s sessionControl, line string, out io.Writer) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		report(out, "message")(s.SendChatMessage(line))
		return nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(out, consoleHelp)
	case "/status":
		fmt.Fprintln(out, formatStatus(s.Status()))
	case "/sync":
		report(out, "sync request")(s.RequestSync())
	case "/reply":
		id, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			fmt.Fprintln(out, "usage: /reply <id> <text>")
			return nil
		}
		report(out, "reply")(s.Reply(id, strings.TrimSpace(text)))
	case "/rate":
		id, n, ok := strings.Cut(rest, " ")
		rating, err := strconv.Atoi(strings.TrimSpace(n))
		if !ok || err != nil {
			fmt.Fprintln(out, "usage: /rate <id> <n>")
			return nil
		}
		report(out, "rating")(s.RateMessage(id, rating))
	case "/token":
		if rest == "" {
			fmt.Fprintln(out, "usage: /token <token>")
			return nil
		}
		s.SetAuthToken(rest)
	case "/disconnect":
		s.Disconnect()
	case "/reconnect":
		if err := s.Connect(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(out, "connect failed: %v\n", err)
		}
	default:
		fmt.Fprintf(out, "unknown command %s\n", cmd)
		fmt.Fprintln(out, consoleHelp)
	}
	return nil
}

// report prints the outcome of a send.
func report(out io.Writer, what string) func(bool, error) {
	return func(sent bool, err error) {
		switch {
		case err != nil:
			fmt.Fprintf(out, "%s not sent: %v\n", what, err)
		case !sent:
			fmt.Fprintf(out, "%s queued until reconnected\n", what)
		}
	}
}

func formatStatus(st connection.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s attempts=%d/%d queued=%d", st.State, st.Attempts, st.MaxAttempts, st.QueueLen)
	if st.HasLatency {
		fmt.Fprintf(&b, " latency=%s", st.Latency.Round(time.Millisecond))
	}
	if st.Err != nil {
		fmt.Fprintf(&b, " error=%q", st.Err.Error())
	}
	return b.String()
}

// printEvents returns a handler that prints each event on one line.
func printEvents(out io.Writer) dispatch.Handler {
	return func(ev dispatch.Event) {
		ts := ev.At.Format("15:04:05.000")
		switch d := ev.Data.(type) {
		case connection.StateChange:
			fmt.Fprintf(out, "%s [state] %s -> %s\n", ts, d.From, d.To)
		case connection.ConnectInfo:
			fmt.Fprintf(out, "%s [connected] %s\n", ts, d.URL)
		case connection.DisconnectInfo:
			fmt.Fprintf(out, "%s [disconnected] code=%d %s\n", ts, d.Code, d.Reason)
		case connection.ReconnectAttemptInfo:
			fmt.Fprintf(out, "%s [reconnect] attempt %d in %s\n", ts, d.Attempt, d.Delay.Round(time.Millisecond))
		case connection.ReconnectFailedInfo:
			fmt.Fprintf(out, "%s [reconnect] gave up after %d attempts\n", ts, d.Attempts)
		case connection.ErrorInfo:
			fmt.Fprintf(out, "%s [error] %v\n", ts, d.Err)
		default:
			if ev.Envelope != nil && protocol.Classify(ev.Envelope.Type) == protocol.KindApplication {
				fmt.Fprintf(out, "%s [%s] %s\n", ts, ev.Type, ev.Envelope.Payload)
			}
		}
	}
}
