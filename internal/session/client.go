package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/livesession/internal/connection"
	"github.com/rickgao/livesession/internal/dispatch"
	"github.com/rickgao/livesession/internal/protocol"
)

// ErrClientClosed is returned by a Client after Close.
var ErrClientClosed = errors.New("session client closed")

// Config configures a Client.
type Config struct {
	Endpoint Endpoint
	Token    TokenProvider // Optional; no token skips authentication

	// Connection tuning. URL, SessionID and Token are derived from the
	// fields above and need not be set.
	Connection connection.Config

	Notifier Notifier // Optional
}

// DefaultConfig returns a Config with default connection tuning.
func DefaultConfig() Config {
	return Config{Connection: connection.DefaultConfig()}
}

// Client is one live session.
type Client struct {
	endpoint Endpoint
	logger   *slog.Logger

	dispatcher *dispatch.Dispatcher
	machine    *connection.Machine
	tokens     *tokenSource
	notifier   Notifier

	mu     sync.Mutex
	closed bool
}

// New creates a Client for cfg. The connection is not opened until Connect.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	wsURL, err := cfg.Endpoint.URL()
	if err != nil {
		return nil, err
	}
	logger = logger.With("session", cfg.Endpoint.ResourceID)

	tokens := &tokenSource{provider: cfg.Token}

	connCfg := cfg.Connection
	connCfg.URL = wsURL
	connCfg.SessionID = cfg.Endpoint.ResourceID
	connCfg.Token = tokens.Token

	c := &Client{
		endpoint:   cfg.Endpoint,
		logger:     logger,
		dispatcher: dispatch.New(logger),
		tokens:     tokens,
		notifier:   cfg.Notifier,
	}
	c.machine = connection.NewMachine(connCfg, c.dispatcher, logger)

	if connCfg.Debug {
		c.dispatcher.On(dispatch.Wildcard, func(ev dispatch.Event) {
			logger.Debug("event", "type", ev.Type, "data", ev.Data)
		})
	}
	if c.notifier != nil {
		c.dispatcher.On(dispatch.Wildcard, c.notify)
	}

	return c, nil
}

// ResourceID returns the session resource id.
func (c *Client) ResourceID() string {
	return c.endpoint.ResourceID
}

// Connect opens the session and blocks until it is ready. It is safe to
// call while a connection is already in progress or established.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return c.machine.Connect(ctx)
}

// Send wraps payload in an envelope of type typ. It reports true when the
// envelope was written immediately and false when it was queued.
func (c *Client) Send(typ string, payload any) (bool, error) {
	if c.isClosed() {
		return false, ErrClientClosed
	}
	env, err := protocol.New(typ, payload, c.endpoint.ResourceID)
	if err != nil {
		return false, err
	}
	return c.machine.Send(env)
}

// SendChatMessage sends a chat message.
func (c *Client) SendChatMessage(content string) (bool, error) {
	return c.Send(protocol.TypeChatMessage, protocol.ChatMessagePayload{Content: content})
}

// Reply sends a chat message in reply to another message.
func (c *Client) Reply(replyTo, content string) (bool, error) {
	return c.Send(protocol.TypeChatMessage, protocol.ChatMessagePayload{Content: content, ReplyTo: replyTo})
}

// RateMessage rates a message.
func (c *Client) RateMessage(messageID string, rating int) (bool, error) {
	return c.Send(protocol.TypeRateMessage, protocol.RateMessagePayload{MessageID: messageID, Rating: rating})
}

// RequestSync asks the server to resend session state.
func (c *Client) RequestSync() (bool, error) {
	return c.Send(protocol.TypeRequestSync, nil)
}

// Subscribe registers h for eventType. Use dispatch.Wildcard for all events.
// Handlers run one at a time on the dispatcher goroutine and may call back
// into the Client.
func (c *Client) Subscribe(eventType string, h dispatch.Handler) dispatch.RegistrationID {
	return c.dispatcher.On(eventType, h)
}

// Unsubscribe removes a registration.
func (c *Client) Unsubscribe(id dispatch.RegistrationID) bool {
	return c.dispatcher.Off(id)
}

// Disconnect closes the session with a normal closure and suppresses
// reconnection until the next Connect.
func (c *Client) Disconnect() {
	c.machine.Disconnect()
}

// Status returns a snapshot for status displays.
func (c *Client) Status() connection.Status {
	return c.machine.Status()
}

// PendingReconnects returns the number of armed reconnect timers.
func (c *Client) PendingReconnects() int {
	return c.machine.PendingReconnects()
}

// SetAuthToken replaces the auth token. A changed token forces a
// reconnect that does not count against the reconnect budget.
func (c *Client) SetAuthToken(token string) {
	if !c.tokens.set(token) {
		return
	}
	c.logger.Info("auth token rotated")
	c.machine.Restart("auth token rotated")
}

// Close disconnects, drops queued messages and delivers pending events.
// Listeners are removed. The Client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.machine.Close()
	err := c.dispatcher.Close(ctx)
	c.dispatcher.Clear()
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) notify(ev dispatch.Event) {
	if level, msg, ok := notice(ev); ok {
		c.notifier.Notify(level, msg)
	}
}
