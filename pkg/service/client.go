package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/subject"
)

// DefaultRequestTimeout bounds the wait for a command reply.
const DefaultRequestTimeout = 10 * time.Second

// Client issues commands to a Dispatcher over a bus.
type Client struct {
	bus     eventbus.Bus
	timeout time.Duration
}

func NewClient(bus eventbus.Bus, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{bus: bus, timeout: timeout}
}

// Execute sends cmd and waits for its reply. A rejected command returns the
// reply together with a *ReplyError.
func (c *Client) Execute(ctx context.Context, cmd agent.Command) (Reply, error) {
	subj, data, err := EncodeCommand(cmd)
	if err != nil {
		return Reply{}, err
	}
	return c.request(ctx, subj, data)
}

func (c *Client) request(ctx context.Context, subj string, data []byte) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.bus.Request(ctx, subj, data)
	if err != nil {
		return Reply{}, err
	}
	var r Reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply from %s: %w", subj, err)
	}
	return r, r.Err()
}

// Deploy creates an agent and returns its id.
func (c *Client) Deploy(ctx context.Context, cmd agent.Deploy) (agent.AgentID, error) {
	r, err := c.Execute(ctx, cmd)
	if err != nil {
		return agent.AgentID{}, err
	}
	return agent.ParseAgentID(r.AgentID)
}

func (c *Client) ConfigureModel(ctx context.Context, id agent.AgentID, cfg agent.ModelConfig) (Reply, error) {
	return c.Execute(ctx, agent.ConfigureModel{AgentID: id, Config: cfg})
}

func (c *Client) ConfigureSystemPrompt(ctx context.Context, id agent.AgentID, prompt string) (Reply, error) {
	return c.Execute(ctx, agent.ConfigureSystemPrompt{AgentID: id, Prompt: prompt})
}

func (c *Client) Activate(ctx context.Context, id agent.AgentID) (Reply, error) {
	return c.Execute(ctx, agent.Activate{AgentID: id})
}

func (c *Client) Suspend(ctx context.Context, id agent.AgentID, reason string) (Reply, error) {
	return c.Execute(ctx, agent.Suspend{AgentID: id, Reason: reason})
}

func (c *Client) Decommission(ctx context.Context, id agent.AgentID, reason string) (Reply, error) {
	return c.Execute(ctx, agent.Decommission{AgentID: id, Reason: reason})
}

// ListAgents returns the agents in the directory that match q.
func (c *Client) ListAgents(ctx context.Context, q ListAgents) ([]agent.State, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	r, err := c.request(ctx, subject.ListAgents(), data)
	if err != nil {
		return nil, err
	}
	return r.Agents, nil
}

// GetAgent returns the directory's view of one agent.
func (c *Client) GetAgent(ctx context.Context, id agent.AgentID) (agent.State, error) {
	r, err := c.request(ctx, subject.GetAgent(id), nil)
	if err != nil {
		return agent.State{}, err
	}
	if len(r.Agents) != 1 {
		return agent.State{}, fmt.Errorf("get %s: expected one agent, got %d", id, len(r.Agents))
	}
	return r.Agents[0], nil
}

// SendMessage sends m and streams its events as they are published. The
// channel closes after the terminal event, or when ctx is done.
func (c *Client) SendMessage(ctx context.Context, m SendMessage) (<-chan agent.MessageEvent, error) {
	if m.MessageID.IsZero() {
		m.MessageID = agent.NewMessageID()
	}
	subj, data, err := EncodeSendMessage(m)
	if err != nil {
		return nil, err
	}

	// The subscription buffers every event of the message in order, so
	// nothing published between the reply and the first read is lost.
	events := make(chan agent.MessageEvent, 16)
	done := make(chan struct{})
	sub, err := c.bus.Subscribe(subject.MessageEvents(m.AgentID, m.MessageID), func(hctx context.Context, msg *eventbus.Message) {
		p, err := subject.Parse(msg.Subject)
		if err != nil || p.Kind != subject.KindMessageEvent {
			return
		}
		e, err := agent.DecodeMessageEvent(p.Message, msg.Data)
		if err != nil {
			return
		}
		select {
		case events <- e:
		case <-done:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.request(ctx, subj, data); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	out := make(chan agent.MessageEvent)
	go func() {
		defer close(out)
		defer close(done)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case e := <-events:
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				if e.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// IsRejected reports whether err is a command rejection rather than a
// transport failure.
func IsRejected(err error) bool {
	var re *ReplyError
	return errors.As(err, &re)
}
