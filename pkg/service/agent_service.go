// Package service handles agent commands: it loads the aggregate, decides,
// appends the resulting events and publishes them. The Dispatcher feeds it
// from the transport.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/infra/logger"
	"github.com/jguan/agent-domain/pkg/infra/store"
	"github.com/jguan/agent-domain/pkg/infra/telemetry"
	"github.com/jguan/agent-domain/pkg/messaging"
	"github.com/jguan/agent-domain/pkg/subject"
)

// DefaultConflictRetries is how many times a command is re-decided after a
// concurrency conflict.
const DefaultConflictRetries = 3

// Repository loads and saves agents.
type Repository interface {
	Load(ctx context.Context, id agent.AgentID) (agent.Agent, error)
	Save(ctx context.Context, current agent.Agent, events []agent.Event, meta store.Metadata) (agent.Agent, []store.Envelope, error)
}

// Result is the outcome of an accepted command.
type Result struct {
	Agent     agent.Agent
	Envelopes []store.Envelope
}

// AgentService is the command side of the agent domain.
type AgentService struct {
	repo      Repository
	publisher eventbus.Publisher
	messages  *messaging.Service
	retries   int
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
	commands  metric.Int64Counter
}

type Option func(*AgentService)

// WithPublisher publishes persisted events to their lifecycle subjects.
func WithPublisher(p eventbus.Publisher) Option {
	return func(s *AgentService) { s.publisher = p }
}

// WithMessaging enables SendMessage.
func WithMessaging(m *messaging.Service) Option {
	return func(s *AgentService) { s.messages = m }
}

func WithConflictRetries(n int) Option {
	return func(s *AgentService) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *AgentService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AgentService) { s.now = now }
}

// WithMeterProvider records command metrics on mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *AgentService) { s.commands = newCommandCounter(mp.Meter(telemetry.Scope)) }
}

func NewAgentService(repo Repository, opts ...Option) *AgentService {
	s := &AgentService{
		repo:    repo,
		retries: DefaultConflictRetries,
		logger:  slog.Default(),
		now:     time.Now,
		tracer:  otel.GetTracerProvider().Tracer(telemetry.Scope),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.commands == nil {
		s.commands = newCommandCounter(otel.GetMeterProvider().Meter(telemetry.Scope))
	}
	s.logger = s.logger.With("component", "agent_service")
	return s
}

func newCommandCounter(m metric.Meter) metric.Int64Counter {
	c, _ := m.Int64Counter("agent.commands",
		metric.WithDescription("Commands handled, by command and outcome"))
	return c
}

// Get loads the current state of an agent.
func (s *AgentService) Get(ctx context.Context, id agent.AgentID) (agent.Agent, error) {
	return s.repo.Load(ctx, id)
}

// Handle decides cmd against the agent's current state, appends the
// resulting events and publishes them. A concurrency conflict reloads the
// agent and decides again, up to the configured number of retries.
func (s *AgentService) Handle(ctx context.Context, cmd agent.Command, meta store.Metadata) (Result, error) {
	if cmd == nil {
		return Result{}, fmt.Errorf("%w: nil command", agent.ErrInvalidCommand)
	}
	if meta.CorrelationID != "" {
		ctx = logger.SetCorrelationID(ctx, meta.CorrelationID)
	}
	if !cmd.Target().IsZero() {
		ctx = logger.SetAgentID(ctx, cmd.Target().String())
	}
	ctx, span := s.tracer.Start(ctx, "agent.command "+string(cmd.Kind()),
		trace.WithAttributes(attribute.String("command", string(cmd.Kind()))))
	defer span.End()
	log := logger.From(ctx, s.logger)

	res, err := s.handle(ctx, log, cmd, meta)
	outcome := "accepted"
	if err != nil {
		outcome = string(agent.Code(err))
		span.SetStatus(codes.Error, err.Error())
		log.Warn("command rejected", "command", cmd.Kind(), "code", outcome, "error", err)
	} else {
		span.SetAttributes(
			attribute.String("agent.id", res.Agent.ID().String()),
			attribute.Int64("agent.version", int64(res.Agent.Version())),
		)
		log.Info("command accepted", "command", cmd.Kind(), "agent_id", res.Agent.ID(), "version", res.Agent.Version())
	}
	if s.commands != nil {
		s.commands.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command", string(cmd.Kind())),
			attribute.String("outcome", outcome),
		))
	}
	return res, err
}

func (s *AgentService) handle(ctx context.Context, log *slog.Logger, cmd agent.Command, meta store.Metadata) (Result, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.current(ctx, cmd)
		if err != nil {
			return Result{}, err
		}
		events, err := agent.Decide(current, cmd, s.now())
		if err != nil {
			return Result{}, err
		}

		next, envs, err := s.repo.Save(ctx, current, events, meta)
		if errors.Is(err, agent.ErrConcurrencyConflict) && attempt < s.retries {
			log.Debug("concurrency conflict, retrying", "command", cmd.Kind(), "attempt", attempt+1, "error", err)
			continue
		}
		if err != nil {
			return Result{}, err
		}

		s.publish(ctx, log, envs)
		return Result{Agent: next, Envelopes: envs}, nil
	}
}

// current loads the agent a command applies to. A deploy starts from the
// empty agent unless it names an id that already exists.
func (s *AgentService) current(ctx context.Context, cmd agent.Command) (agent.Agent, error) {
	if cmd.Kind() == agent.CommandDeploy {
		if cmd.Target().IsZero() {
			return agent.Agent{}, nil
		}
		a, err := s.repo.Load(ctx, cmd.Target())
		if errors.Is(err, agent.ErrAgentNotFound) {
			return agent.Agent{}, nil
		}
		return a, err
	}
	if cmd.Target().IsZero() {
		return agent.Agent{}, fmt.Errorf("%w: %s requires an agent id", agent.ErrInvalidCommand, cmd.Kind())
	}
	return s.repo.Load(ctx, cmd.Target())
}

// publish announces stored events. The events are already durable, so a
// failed publish is logged and does not fail the command; observers can
// rebuild from the store.
func (s *AgentService) publish(ctx context.Context, log *slog.Logger, envs []store.Envelope) {
	if s.publisher == nil {
		return
	}
	for _, env := range envs {
		subj, err := subject.Event(env.AgentID, env.Type)
		if err != nil {
			log.Error("cannot build event subject", "type", env.Type, "error", err)
			continue
		}
		header := map[string]string{
			eventbus.HeaderEventType: string(env.Type),
			eventbus.HeaderSequence:  strconv.FormatUint(env.Sequence, 10),
		}
		if env.CorrelationID != "" {
			header[eventbus.HeaderCorrelationID] = env.CorrelationID
		}
		if env.CausationID != "" {
			header[eventbus.HeaderCausationID] = env.CausationID
		}
		telemetry.Inject(ctx, header)
		msg := &eventbus.Message{Subject: subj, Data: env.Data, Header: header}
		if err := s.publisher.PublishMsg(ctx, msg); err != nil {
			log.Error("publish event failed", "subject", subj, "sequence", env.Sequence, "error", err)
		}
	}
}

// SendMessage loads the agent and starts streaming a message to it. Guard
// and routing failures arrive as a single ResponseFailed on the channel.
func (s *AgentService) SendMessage(ctx context.Context, id agent.AgentID, req messaging.Request) (<-chan agent.MessageEvent, error) {
	if s.messages == nil {
		return nil, errors.New("messaging is not configured")
	}
	a, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.messages.Send(ctx, a, req)
}
