package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rickgao/livesession/internal/buffer"
	"github.com/rickgao/livesession/internal/dispatch"
	"github.com/rickgao/livesession/internal/protocol"
)

// Header keys set on every forwarded message.
const (
	HeaderType    = "envelope-type"
	HeaderSession = "session-id"
)

// MessageWriter writes messages to Kafka. *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds forwarding parameters.
type Config struct {
	Brokers       []string
	Topic         string
	BatchSize     int
	FlushInterval time.Duration
	MaxPending    int // Messages held while Kafka is slow; 0 = 10 * BatchSize
}

// NewKafkaWriter builds a kafka.Writer for cfg. Messages are partitioned
// by key hash.
func NewKafkaWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.FlushInterval,
		RequiredAcks: kafka.RequireOne,
	}
}

// Metrics holds forwarder counters.
type Metrics struct {
	Forwarded int64
	Dropped   int64 // Pending buffer full
	Errors    int64 // Failed writes
	Flushes   int64
}

// Forwarder batches envelopes and writes them through a MessageWriter.
type Forwarder struct {
	cfg    Config
	writer MessageWriter
	logger *slog.Logger

	pending  *buffer.Buffer[kafka.Message]
	flushNow chan struct{}

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	metrics Metrics
}

// NewForwarder creates a Forwarder writing through w.
func NewForwarder(cfg Config, w MessageWriter, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10 * cfg.BatchSize
	}
	return &Forwarder{
		cfg:      cfg,
		writer:   w,
		logger:   logger.With("topic", cfg.Topic),
		pending:  buffer.NewBounded[kafka.Message](cfg.BatchSize, cfg.MaxPending),
		flushNow: make(chan struct{}, 1),
	}
}

// Start begins the flush loop.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(1)
	go f.flushLoop(ctx)

	f.logger.Info("bridge started",
		"batch_size", f.cfg.BatchSize,
		"flush_interval", f.cfg.FlushInterval,
	)
}

// Stop flushes what is pending and closes the writer.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	var errs []error
	for f.pending.Len() > 0 {
		if err := f.flush(ctx); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if err := f.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
	}
	f.logger.Info("bridge stopped", "forwarded", f.Stats().Forwarded)
	return errors.Join(errs...)
}

// Stats returns current metrics.
func (f *Forwarder) Stats() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

// Pending returns the number of messages waiting to be written.
func (f *Forwarder) Pending() int {
	return f.pending.Len()
}

// Handler returns a dispatch handler that forwards application envelopes
// for sessionID. Subscribe it with dispatch.Wildcard.
func (f *Forwarder) Handler(sessionID string) dispatch.Handler {
	return func(ev dispatch.Event) {
		if ev.Envelope == nil || protocol.Classify(ev.Envelope.Type) != protocol.KindApplication {
			return
		}
		if err := f.Forward(sessionID, *ev.Envelope); err != nil {
			f.logger.Warn("envelope not forwarded", "error", err, "type", ev.Envelope.Type)
		}
	}
}

// Forward queues env for writing. It never blocks.
func (f *Forwarder) Forward(sessionID string, env protocol.Envelope) error {
	value, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(sessionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderType, Value: []byte(env.Type)},
			{Key: HeaderSession, Value: []byte(sessionID)},
		},
		Time: env.Timestamp,
	}

	if err := f.pending.Push(msg); err != nil {
		f.mu.Lock()
		f.metrics.Dropped++
		f.mu.Unlock()
		return fmt.Errorf("bridge backlog: %w", err)
	}

	if f.pending.Len() >= f.cfg.BatchSize {
		select {
		case f.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *Forwarder) flushLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.flushNow:
		}
		if err := f.flush(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("kafka write failed", "error", err)
			continue
		}
		if f.pending.Len() >= f.cfg.BatchSize {
			select {
			case f.flushNow <- struct{}{}:
			default:
			}
		}
	}
}

// flush writes up to one batch.
func (f *Forwarder) flush(ctx context.Context) error {
	msgs := f.pending.DrainTo(f.cfg.BatchSize)
	if len(msgs) == 0 {
		return nil
	}

	if err := f.writer.WriteMessages(ctx, msgs...); err != nil {
		f.mu.Lock()
		f.metrics.Errors++
		f.metrics.Dropped += int64(len(msgs))
		f.mu.Unlock()
		return fmt.Errorf("write %d messages: %w", len(msgs), err)
	}

	f.mu.Lock()
	f.metrics.Forwarded += int64(len(msgs))
	f.metrics.Flushes++
	f.mu.Unlock()

	f.logger.Debug("forwarded envelopes", "count", len(msgs))
	return nil
}
