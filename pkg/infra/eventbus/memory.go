package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jguan/agent-domain/pkg/subject"
)

// InMemoryBus is an in-process Bus. Every subscription owns a buffered
// queue drained by one goroutine, so messages published by one caller
// reach each subscriber in publish order.
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	bufferSize  int
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      bool
}

type subscription struct {
	id      string
	pattern string
	handler Handler
	queue   chan *Message
	done    chan struct{}
	once    sync.Once
	bus     *InMemoryBus
}

type config struct {
	bufferSize int
	logger     *slog.Logger
}

type Option func(*config)

func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewInMemoryBus(opts ...Option) *InMemoryBus {
	cfg := &config{
		bufferSize: 1000,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryBus{
		subscribers: make(map[string]*subscription),
		bufferSize:  cfg.bufferSize,
		logger:      cfg.logger.With("component", "eventbus", "transport", "memory"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (b *InMemoryBus) Publish(ctx context.Context, subj string, data []byte) error {
	return b.PublishMsg(ctx, &Message{Subject: subj, Data: data})
}

func (b *InMemoryBus) PublishMsg(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if err := subject.ValidateSubject(msg.Subject); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if subject.Match(sub.pattern, msg.Subject) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	// Deterministic fan-out order keeps tests and traces stable.
	slices.SortFunc(targets, func(x, y *subscription) int {
		switch {
		case x.id < y.id:
			return -1
		case x.id > y.id:
			return 1
		}
		return 0
	})

	for _, sub := range targets {
		delivery := &Message{
			Subject: msg.Subject,
			Data:    slices.Clone(msg.Data),
			Reply:   msg.Reply,
			Header:  cloneHeader(msg.Header),
		}
		if delivery.Reply != "" {
			reply := delivery.Reply
			delivery.respond = func(ctx context.Context, data []byte) error {
				return b.Publish(ctx, reply, data)
			}
		}
		select {
		case sub.queue <- delivery:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return ErrClosed
		}
	}
	return nil
}

func (b *InMemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
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

	sub := &subscription{
		id:      generateID(),
		pattern: pattern,
		handler: handler,
		queue:   make(chan *Message, b.bufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.subscribers[sub.id] = sub

	b.wg.Add(1)
	go b.worker(sub)
	return sub, nil
}

func (b *InMemoryBus) Request(ctx context.Context, subj string, data []byte) (*Message, error) {
	inbox := newInbox()
	replies := make(chan *Message, 1)
	sub, err := b.Subscribe(inbox, func(_ context.Context, msg *Message) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.PublishMsg(ctx, &Message{Subject: subj, Data: data, Reply: inbox}); err != nil {
		return nil, err
	}

	select {
	case msg := <-replies:
		return msg, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", subj, ctx.Err())
	case <-b.ctx.Done():
		return nil, ErrClosed
	}
}

func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.cancel()
	b.wg.Wait()
	return nil
}

// worker delivers queued messages in order. After stop it drains what is
// already queued so nothing published before Unsubscribe is lost. Handlers
// run during Close see a cancelled context.
func (b *InMemoryBus) worker(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case msg := <-sub.queue:
			b.dispatch(sub, msg)
		case <-sub.done:
			for {
				select {
				case msg := <-sub.queue:
					b.dispatch(sub, msg)
				default:
					return
				}
			}
		}
	}
}

func (b *InMemoryBus) dispatch(sub *subscription, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "pattern", sub.pattern, "subject", msg.Subject, "panic", r)
		}
	}()
	sub.handler(b.ctx, msg)
}

func (s *subscription) Pattern() string { return s.pattern }

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subscribers[s.id]
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s not found", s.id)
	}
	s.stop()
	return nil
}

func (s *subscription) stop() { s.once.Do(func() { close(s.done) }) }

var _ Bus = (*InMemoryBus)(nil)
