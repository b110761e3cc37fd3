// Package messaging routes a message for an active agent to a capable
// provider and turns the provider's stream into message events.
//
// Message events are ephemeral: they are published to the transport and
// delivered to the caller, but never appended to the event store and so
// never change an agent's version.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/infra/logger"
	"github.com/jguan/agent-domain/pkg/infra/ratelimit"
	"github.com/jguan/agent-domain/pkg/infra/telemetry"
	"github.com/jguan/agent-domain/pkg/provider"
	"github.com/jguan/agent-domain/pkg/subject"
)

// DefaultTimeout bounds the total wait for one provider response.
const DefaultTimeout = 2 * time.Minute

var errTimeout = errors.New("message timed out")

// Router picks the provider for an intent.
type Router interface {
	Route(intent provider.Intent) (provider.ChatPort, error)
}

// Request is one message to send on behalf of an agent.
type Request struct {
	// MessageID is generated when zero.
	MessageID agent.MessageID
	Content   string
	// Intent overrides the chat intent derived from the agent's model config.
	Intent *provider.Intent
	// History is prior conversation, oldest first. The system prompt is
	// added by the service and must not be included.
	History       []provider.ContextMessage
	CorrelationID string
}

// Service is the message routing service.
type Service struct {
	router    Router
	publisher eventbus.Publisher
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *instruments
	limiter   *ratelimit.Limiter
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher publishes every message event to its subject.
func WithPublisher(p eventbus.Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithTimeout sets the per-message timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.metrics = newInstruments(mp.Meter(telemetry.Scope)) }
}

// WithTracerProvider creates spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(telemetry.Scope) }
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRateLimit fails messages beyond l's per-agent rate with a
// recoverable rate_limited failure before any provider is called.
func WithRateLimit(l *ratelimit.Limiter) Option { return func(s *Service) { s.limiter = l } }

// NewService creates a Service routing through router.
func NewService(router Router, opts ...Option) *Service {
	s := &Service{
		router:  router,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newInstruments(otel.GetMeterProvider().Meter(telemetry.Scope))
	}
	if s.tracer == nil {
		s.tracer = otel.GetTracerProvider().Tracer(telemetry.Scope)
	}
	s.logger = s.logger.With("component", "messaging")
	return s
}

// Send starts delivering req for a and returns the message's events in
// order: MessageSent, the chunks, then exactly one ResponseCompleted or
// ResponseFailed. The channel is closed after the terminal event.
//
// An agent that may not receive messages, or an intent no provider can
// serve, yields a single ResponseFailed and no provider is called.
//
// Cancelling ctx abandons the message. The provider call is cancelled, no
// terminal event is emitted and the channel is closed. Callers that stop
// reading must cancel ctx.
func (s *Service) Send(ctx context.Context, a agent.Agent, req Request) (<-chan agent.MessageEvent, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("%w: message content is required", agent.ErrInvalidCommand)
	}
	if req.Intent != nil {
		if err := req.Intent.Validate(); err != nil {
			return nil, err
		}
	}
	if req.MessageID.IsZero() {
		req.MessageID = agent.NewMessageID()
	}

	out := make(chan agent.MessageEvent)
	go func() {
		defer close(out)
		s.run(ctx, a, req, out)
	}()
	return out, nil
}

// Collect drains events until the channel closes.
func Collect(events <-chan agent.MessageEvent) []agent.MessageEvent {
	var all []agent.MessageEvent
	for e := range events {
		all = append(all, e)
	}
	return all
}

// stream is the state of one message in flight.
type stream struct {
	s        *Service
	ctx      context.Context
	out      chan<- agent.MessageEvent
	agentID  agent.AgentID
	msgID    agent.MessageID
	corr     string
	provider string
	log      *slog.Logger
	span     trace.Span
	done     bool
}

func (s *Service) run(ctx context.Context, a agent.Agent, req Request, out chan<- agent.MessageEvent) {
	ctx = logger.SetAgentID(ctx, a.ID().String())
	ctx = logger.SetMessageID(ctx, req.MessageID.String())
	if req.CorrelationID != "" {
		ctx = logger.SetCorrelationID(ctx, req.CorrelationID)
	}
	ctx, span := s.tracer.Start(ctx, "messaging.send", trace.WithAttributes(
		attribute.String("agent.id", a.ID().String()),
		attribute.String("message.id", req.MessageID.String()),
	))
	defer span.End()

	st := &stream{
		s:       s,
		ctx:     ctx,
		out:     out,
		agentID: a.ID(),
		msgID:   req.MessageID,
		corr:    req.CorrelationID,
		log:     logger.From(ctx, s.logger),
		span:    span,
	}

	if err := a.CanSendMessage(); err != nil {
		reason := agent.FailureAgentNotActive
		if errors.Is(err, agent.ErrModelNotConfigured) {
			reason = agent.FailureModelNotConfigured
		}
		st.fail(reason, err.Error())
		return
	}
	if s.limiter != nil && !s.limiter.Allow(a.ID().String()) {
		st.fail(agent.FailureRateLimited, "message rate limit exceeded for agent")
		return
	}
	cfg, _ := a.ModelConfig()
	systemPrompt := a.EffectiveSystemPrompt()

	intent := provider.IntentFor(cfg, systemPrompt)
	if req.Intent != nil {
		intent = *req.Intent
		if intent.ProviderKind == "" {
			intent.ProviderKind = cfg.Provider
		}
	}
	port, err := s.router.Route(intent)
	if err != nil {
		st.fail(agent.FailureNoCapableProvider, err.Error())
		return
	}
	st.provider = port.Name()
	span.SetAttributes(attribute.String("provider", port.Name()))

	messages := make([]provider.ContextMessage, 0, len(req.History)+2)
	if systemPrompt != "" {
		messages = append(messages, provider.ContextMessage{Role: provider.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, req.History...)
	messages = append(messages, provider.ContextMessage{Role: provider.RoleUser, Content: req.Content})

	start := s.now()
	if !st.emit(agent.MessageSent{
		AgentID:   st.agentID,
		MessageID: st.msgID,
		Content:   req.Content,
		Provider:  port.Name(),
		Model:     cfg.Model,
		At:        agent.Timestamp(start),
	}) {
		return
	}
	s.metrics.recordSent(ctx, st.provider)

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		callCtx, cancel = context.WithTimeoutCause(ctx, s.timeout, errTimeout)
	}
	defer cancel()

	results, err := port.StreamChat(callCtx, cfg, messages)
	if err != nil {
		st.providerFailed(callCtx, err)
		return
	}

	index := 0
	for {
		select {
		case r, ok := <-results:
			// A result and cancellation can be ready together; cancellation wins.
			if callCtx.Err() != nil {
				st.interrupted(callCtx)
				return
			}
			switch {
			case !ok:
				if st.interrupted(callCtx) {
					return
				}
				st.complete(index, provider.Chunk{FinishReason: agent.FinishStop}, start)
				return
			case r.Err != nil:
				st.providerFailed(callCtx, r.Err)
				return
			}
			if r.Chunk.Content != "" {
				if !st.emit(agent.ResponseChunkReceived{
					AgentID:    st.agentID,
					MessageID:  st.msgID,
					ChunkIndex: index,
					Content:    r.Chunk.Content,
					At:         agent.Timestamp(s.now()),
				}) {
					return
				}
				s.metrics.recordChunk(ctx, st.provider)
				index++
			}
			if r.Chunk.Final {
				st.complete(index, r.Chunk, start)
				return
			}
		case <-callCtx.Done():
			st.interrupted(callCtx)
			return
		}
	}
}

// interrupted handles a done call context. A cancelled caller ends the
// stream silently; an expired timeout fails it.
func (st *stream) interrupted(callCtx context.Context) bool {
	if st.ctx.Err() != nil {
		st.cancelled()
		return true
	}
	if errors.Is(context.Cause(callCtx), errTimeout) {
		st.fail(agent.FailureTimeout, fmt.Sprintf("no response within %s", st.s.timeout))
		return true
	}
	return false
}

func (st *stream) providerFailed(callCtx context.Context, err error) {
	if st.interrupted(callCtx) {
		return
	}
	kind := provider.Classify(err)
	st.log.Warn("provider stream failed", "provider", st.provider, "kind", kind, "error", err)
	st.fail(kind.FailureReason(), err.Error())
}

func (st *stream) complete(chunks int, final provider.Chunk, start time.Time) {
	finish := final.FinishReason
	if finish == "" {
		finish = agent.FinishStop
	}
	now := st.s.now()
	d := now.Sub(start)
	if st.emit(agent.ResponseCompleted{
		AgentID:      st.agentID,
		MessageID:    st.msgID,
		TotalChunks:  chunks,
		FinishReason: finish,
		Usage:        final.Usage,
		Duration:     d,
		At:           agent.Timestamp(now),
	}) {
		st.s.metrics.recordCompleted(st.ctx, st.provider, d)
		st.span.SetAttributes(attribute.Int("message.chunks", chunks))
		st.log.Debug("message completed", "provider", st.provider, "chunks", chunks, "duration", d)
	}
}

func (st *stream) fail(reason agent.FailureReason, msg string) {
	if st.ctx.Err() != nil {
		st.cancelled()
		return
	}
	st.span.SetStatus(codes.Error, msg)
	st.s.metrics.recordFailed(st.ctx, st.provider, string(reason))
	st.emit(agent.ResponseFailed{
		AgentID:     st.agentID,
		MessageID:   st.msgID,
		Reason:      reason,
		Message:     msg,
		Recoverable: reason.Recoverable(),
		At:          agent.Timestamp(st.s.now()),
	})
}

func (st *stream) cancelled() {
	if st.done {
		return
	}
	st.s.metrics.recordCancelled(context.WithoutCancel(st.ctx), st.provider)
	st.log.Info("message stream cancelled by caller", "provider", st.provider)
	st.done = true
}

// emit publishes e and hands it to the caller. It returns false when e was
// not delivered: the caller went away, or publishing failed and a
// ResponseFailed was delivered in its place. No event follows a terminal
// one, and nothing is published once the caller has cancelled.
func (st *stream) emit(e agent.MessageEvent) bool {
	if st.done {
		return false
	}
	if st.ctx.Err() != nil {
		st.cancelled()
		return false
	}
	if err := st.publish(e); err != nil {
		st.log.Warn("publish message event failed", "kind", e.Kind(), "error", err)
		if st.ctx.Err() != nil {
			st.cancelled()
			return false
		}
		if !e.Terminal() {
			failed := agent.ResponseFailed{
				AgentID:     st.agentID,
				MessageID:   st.msgID,
				Reason:      agent.FailureUnavailable,
				Message:     "publish " + string(e.Kind()) + ": " + err.Error(),
				Recoverable: true,
				At:          agent.Timestamp(st.s.now()),
			}
			st.s.metrics.recordFailed(st.ctx, st.provider, string(failed.Reason))
			_ = st.publish(failed)
			e = failed
		}
		st.deliver(e)
		st.done = true
		return false
	}
	if !st.deliver(e) {
		return false
	}
	st.done = e.Terminal()
	return true
}

func (st *stream) deliver(e agent.MessageEvent) bool {
	select {
	case st.out <- e:
		return true
	case <-st.ctx.Done():
		st.cancelled()
		return false
	}
}

func (st *stream) publish(e agent.MessageEvent) error {
	if st.s.publisher == nil {
		return nil
	}
	subj, err := subject.ForMessageEvent(e)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	header := map[string]string{eventbus.HeaderEventType: "message." + string(e.Kind())}
	if st.corr != "" {
		header[eventbus.HeaderCorrelationID] = st.corr
	}
	telemetry.Inject(st.ctx, header)
	return st.s.publisher.PublishMsg(st.ctx, &eventbus.Message{Subject: subj, Data: data, Header: header})
}
