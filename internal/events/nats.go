package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL        string
	StreamName string

	AsyncBufferSize int
	ConnectTimeout  time.Duration
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration

	CredsFile string
	Token     string
}

// DefaultNATSConfig returns the defaults used when only a URL is configured.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		StreamName:      "AGIBRIDGE_SESSIONS",
		AsyncBufferSize: 10000,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
	}
}

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher writes events to a JetStream stream. Event IDs double as
// message IDs, so a retried publish is stored once.
type NATSPublisher struct {
	js   streamPublisher
	conn *nats.Conn
	log  *slog.Logger

	// queue feeds the background sender; it is closed by Flush
	queue    chan Event
	sender   sync.WaitGroup
	mu       sync.RWMutex
	draining bool

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewNATSPublisher connects to NATS and creates or updates the session
// stream.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL, connectOptions(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stream := jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{PatternAllSessions},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.MaxAge,
		Replicas:   1,
		Duplicates: 5 * time.Minute,
	}
	if _, err := js.CreateOrUpdateStream(sctx, stream); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream %s: %w", cfg.StreamName, err)
	}

	p := newNATSPublisher(js, cfg.AsyncBufferSize, logger)
	p.conn = conn
	logger.Info("[Events] Publishing session events to NATS", "url", cfg.URL, "stream", cfg.StreamName)
	return p, nil
}

func connectOptions(cfg NATSConfig, logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("agibridge-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[Events] Lost NATS connection", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[Events] NATS connection restored", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.CredsFile != "" {
		return append(opts, nats.UserCredentials(cfg.CredsFile))
	}
	if cfg.Token != "" {
		return append(opts, nats.Token(cfg.Token))
	}
	return opts
}

func newNATSPublisher(js streamPublisher, queueSize int, logger *slog.Logger) *NATSPublisher {
	if queueSize <= 0 {
		queueSize = 10000
	}
	p := &NATSPublisher{js: js, log: logger, queue: make(chan Event, queueSize)}
	p.sender.Add(1)
	go p.send()
	return p
}

func (p *NATSPublisher) send() {
	defer p.sender.Done()
	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.Publish(ctx, event)
		cancel()
		if err != nil {
			p.log.Warn("[Events] Queued event not delivered", "type", event.Type(), "call_id", event.CallID(), "error", err)
		}
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type(), err)
	}

	subject := event.Subject()
	var opts []jetstream.PublishOpt
	if id := event.ID(); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	ack, err := p.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.published.Add(1)
	p.log.Debug("[Events] Stored", "subject", subject, "stream", ack.Stream, "seq", ack.Sequence)
	return nil
}

// PublishAsync queues event for the background sender. A full queue drops
// it; so does a publisher that is flushing.
func (p *NATSPublisher) PublishAsync(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.draining {
		return
	}
	select {
	case p.queue <- event:
	default:
		p.dropped.Add(1)
		p.log.Warn("[Events] Queue full, event dropped", "type", event.Type(), "call_id", event.CallID())
	}
}

// Flush stops accepting queued events, waits for the sender to empty the
// queue and flushes the connection.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	if !p.draining {
		p.draining = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.sender.Wait()

	if p.conn == nil {
		return nil
	}
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.log.Warn("[Events] Flush on close failed", "error", err)
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

// Stats returns delivery counters.
func (p *NATSPublisher) Stats() (published, failed, dropped int64) {
	return p.published.Load(), p.failed.Load(), p.dropped.Load()
}
