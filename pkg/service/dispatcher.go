package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/infra/logger"
	"github.com/jguan/agent-domain/pkg/infra/store"
	"github.com/jguan/agent-domain/pkg/infra/telemetry"
	"github.com/jguan/agent-domain/pkg/messaging"
	"github.com/jguan/agent-domain/pkg/subject"
)

// DefaultMaxInflight bounds how many commands a Dispatcher handles at once.
const DefaultMaxInflight = 64

var errStopped = errors.New("dispatcher is shutting down")

// Dispatcher consumes command subjects from a bus, hands them to an
// AgentService and replies on the message's reply subject.
type Dispatcher struct {
	bus         eventbus.Bus
	svc         *AgentService
	maxInflight int
	logger      *slog.Logger

	ready   chan struct{}
	mu      sync.RWMutex
	stopped bool
	// accepting counts deliveries between the stopped check and g.Go.
	accepting sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithMaxInflight(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxInflight = n
		}
	}
}

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDispatcher(bus eventbus.Bus, svc *AgentService, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:         bus,
		svc:         svc,
		maxInflight: DefaultMaxInflight,
		logger:      slog.Default(),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Run subscribes to every command subject and handles commands until ctx
// is done. It then stops accepting commands and waits for those in flight.
// Lifecycle commands already accepted run to completion; message streams
// are abandoned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(d.maxInflight)

	sub, err := d.bus.Subscribe(subject.AllCommands(), func(_ context.Context, msg *eventbus.Message) {
		d.mu.RLock()
		if d.stopped {
			d.mu.RUnlock()
			d.respond(ctx, msg, errorReply(errStopped))
			return
		}
		d.accepting.Add(1)
		d.mu.RUnlock()

		// g.Go blocks while maxInflight commands run; the lock is not held
		// so shutdown can proceed meanwhile.
		g.Go(func() error {
			d.handle(ctx, msg)
			return nil
		})
		d.accepting.Done()
	})
	if err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	d.logger.Info("dispatcher started", "pattern", sub.Pattern(), "max_inflight", d.maxInflight)
	close(d.ready)

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		d.logger.Warn("unsubscribe failed", "error", err)
	}
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.accepting.Wait()
	_ = g.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

// Ready is closed once Run has subscribed to the command subjects.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

func (d *Dispatcher) handle(ctx context.Context, msg *eventbus.Message) {
	ctx = telemetry.Extract(ctx, msg.Header)
	correlation := msg.GetHeader(eventbus.HeaderCorrelationID)
	if correlation == "" {
		correlation = uuid.NewString()
	}
	ctx = logger.SetCorrelationID(ctx, correlation)
	meta := store.Metadata{
		CorrelationID: correlation,
		CausationID:   msg.GetHeader(eventbus.HeaderCausationID),
	}

	p, err := subject.Parse(msg.Subject)
	if err == nil && p.Kind != subject.KindCommand {
		err = fmt.Errorf("%w: %s is not a command subject", subject.ErrInvalidSubject, msg.Subject)
	}
	if err != nil {
		logger.From(ctx, d.logger).Error("undecodable command", "subject", msg.Subject, "error", err)
		d.respond(ctx, msg, errorReply(fmt.Errorf("%w: %v", agent.ErrInvalidCommand, err)))
		return
	}

	if p.Command == agent.CommandSendMessage {
		d.sendMessage(ctx, msg, p, correlation)
		return
	}

	cmd, err := DecodeCommand(p, msg.Data)
	if err != nil {
		logger.From(ctx, d.logger).Error("undecodable command", "subject", msg.Subject, "error", err)
		d.respond(ctx, msg, errorReply(err))
		return
	}

	res, err := d.svc.Handle(context.WithoutCancel(ctx), cmd, meta)
	if err != nil {
		d.respond(ctx, msg, errorReply(err))
		return
	}
	d.respond(ctx, msg, Reply{
		Status:  StatusOK,
		AgentID: res.Agent.ID().String(),
		Version: res.Agent.Version(),
	})
}

// sendMessage replies as soon as the message is accepted and then drains
// its events. Observers follow the message on its event subjects.
func (d *Dispatcher) sendMessage(ctx context.Context, msg *eventbus.Message, p subject.Parsed, correlation string) {
	m, err := DecodeSendMessage(p, msg.Data)
	if err != nil {
		logger.From(ctx, d.logger).Error("undecodable command", "subject", msg.Subject, "error", err)
		d.respond(ctx, msg, errorReply(err))
		return
	}
	if m.MessageID.IsZero() {
		m.MessageID = agent.NewMessageID()
	}

	events, err := d.svc.SendMessage(ctx, m.AgentID, messaging.Request{
		MessageID:     m.MessageID,
		Content:       m.Content,
		Intent:        m.Intent,
		History:       m.History,
		CorrelationID: correlation,
	})
	if err != nil {
		d.respond(ctx, msg, errorReply(err))
		return
	}
	d.respond(ctx, msg, Reply{
		Status:    StatusOK,
		AgentID:   m.AgentID.String(),
		MessageID: m.MessageID.String(),
	})
	for range events {
	}
}

func (d *Dispatcher) respond(ctx context.Context, msg *eventbus.Message, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		d.logger.Error("encode reply", "error", err)
		return
	}
	if err := msg.Respond(context.WithoutCancel(ctx), data); err != nil {
		logger.From(ctx, d.logger).Warn("reply failed", "subject", msg.Subject, "error", err)
	}
}
