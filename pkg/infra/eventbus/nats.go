package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jguan/agent-domain/pkg/subject"
)

// NATSConfig configures a NATS connection.
type NATSConfig struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	// StreamName, when set together with StreamSubjects, is the JetStream
	// stream that persists matching subjects. Publishes to those subjects
	// wait for a JetStream acknowledgement.
	StreamName     string
	StreamSubjects []string
	StreamMaxAge   time.Duration
}

// NATSBus is a Bus over a NATS connection. Reconnects are handled by the
// client library; the bus only logs them.
type NATSBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    NATSConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// ConnectNATS dials the server and, when a stream is configured, creates or
// updates it.
func ConnectNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventbus", "transport", "nats")
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "agentd"
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			logger.Error("async error", attrs...)
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &NATSBus{nc: nc, cfg: cfg, logger: logger, ctx: bctx, cancel: cancel}

	if cfg.StreamName != "" && len(cfg.StreamSubjects) > 0 {
		if err := b.ensureStream(ctx); err != nil {
			cancel()
			nc.Close()
			return nil, err
		}
	}

	logger.Info("connected", "url", nc.ConnectedUrlRedacted(), "stream", cfg.StreamName)
	return b, nil
}

func (b *NATSBus) ensureStream(ctx context.Context) error {
	js, err := jetstream.New(b.nc)
	if err != nil {
		return fmt.Errorf("init jetstream: %w", err)
	}
	for _, s := range b.cfg.StreamSubjects {
		if err := subject.ValidatePattern(s); err != nil {
			return fmt.Errorf("stream subjects: %w", err)
		}
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  b.cfg.StreamSubjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    b.cfg.StreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", b.cfg.StreamName, err)
	}
	b.js = js
	return nil
}

// persisted reports whether subj is captured by the configured stream.
func (b *NATSBus) persisted(subj string) bool {
	if b.js == nil {
		return false
	}
	for _, p := range b.cfg.StreamSubjects {
		if subject.Match(p, subj) {
			return true
		}
	}
	return false
}

func (b *NATSBus) Publish(ctx context.Context, subj string, data []byte) error {
	return b.PublishMsg(ctx, &Message{Subject: subj, Data: data})
}

func (b *NATSBus) PublishMsg(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if err := subject.ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	nm := toNATS(msg)
	if b.persisted(msg.Subject) {
		if _, err := b.js.PublishMsg(ctx, nm); err != nil {
			return fmt.Errorf("publish %s to stream: %w", msg.Subject, err)
		}
		return nil
	}
	if err := b.nc.PublishMsg(nm); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ns, err := b.nc.Subscribe(pattern, func(m *nats.Msg) {
		msg := fromNATS(m)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("subscriber panicked", "pattern", pattern, "subject", m.Subject, "panic", r)
			}
		}()
		handler(b.ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return &natsSubscription{pattern: pattern, sub: ns}, nil
}

func (b *NATSBus) Request(ctx context.Context, subj string, data []byte) (*Message, error) {
	if err := subject.ValidateSubject(subj); err != nil {
		return nil, err
	}
	reply, err := b.nc.RequestWithContext(ctx, subj, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subj, err)
	}
	return fromNATS(reply), nil
}

// Close drains subscriptions so in-flight handlers finish, then closes the
// connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

type natsSubscription struct {
	pattern string
	sub     *nats.Subscription
}

func (s *natsSubscription) Pattern() string { return s.pattern }

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func toNATS(msg *Message) *nats.Msg {
	nm := nats.NewMsg(msg.Subject)
	nm.Data = msg.Data
	nm.Reply = msg.Reply
	for k, v := range msg.Header {
		nm.Header.Set(k, v)
	}
	return nm
}

func fromNATS(m *nats.Msg) *Message {
	msg := &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}
	if len(m.Header) > 0 {
		msg.Header = make(map[string]string, len(m.Header))
		for k := range m.Header {
			msg.Header[k] = m.Header.Get(k)
		}
	}
	if m.Reply != "" {
		msg.respond = func(_ context.Context, data []byte) error { return m.Respond(data) }
	}
	return msg
}

var _ Bus = (*NATSBus)(nil)
