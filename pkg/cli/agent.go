package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/service"
)

// agentSendTimeout bounds a whole streamed response, which can take far
// longer than a single command reply.
const agentSendTimeout = 5 * time.Minute

type commandResult struct {
	AgentID string            `json:"agent_id" yaml:"agent_id"`
	Command agent.CommandName `json:"command" yaml:"command"`
	Version uint64            `json:"version" yaml:"version"`
}

type sendResult struct {
	AgentID      string             `json:"agent_id" yaml:"agent_id"`
	MessageID    string             `json:"message_id" yaml:"message_id"`
	Content      string             `json:"content" yaml:"content"`
	Chunks       int                `json:"chunks" yaml:"chunks"`
	FinishReason agent.FinishReason `json:"finish_reason,omitempty" yaml:"finish_reason,omitempty"`
	Usage        *agent.TokenUsage  `json:"usage,omitempty" yaml:"usage,omitempty"`
}

type agentView struct {
	AgentID   string             `json:"agent_id" yaml:"agent_id"`
	Name      string             `json:"name" yaml:"name"`
	PersonID  string             `json:"person_id" yaml:"person_id"`
	Status    agent.Status       `json:"status" yaml:"status"`
	Provider  agent.ProviderKind `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model     string             `json:"model,omitempty" yaml:"model,omitempty"`
	Version   uint64             `json:"version" yaml:"version"`
	UpdatedAt time.Time          `json:"updated_at" yaml:"updated_at"`
}

func newAgentView(s agent.State) agentView {
	v := agentView{
		AgentID:   s.ID.String(),
		Name:      s.Name,
		PersonID:  s.PersonID.String(),
		Status:    s.Status,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
	}
	if s.ModelConfig != nil {
		v.Provider, v.Model = s.ModelConfig.Provider, s.ModelConfig.Model
	}
	return v
}

func NewAgentCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent lifecycle and messaging commands",
		Long: `Send lifecycle commands to deployed agents and talk to active ones.

Commands travel over the configured transport to a running agentd serve.`,
	}

	cmd.AddCommand(newLifecycleCommand(root, agent.CommandActivate, "Activate a configured or suspended agent", false))
	cmd.AddCommand(newLifecycleCommand(root, agent.CommandSuspend, "Suspend an active agent", true))
	cmd.AddCommand(newLifecycleCommand(root, agent.CommandDecommission, "Decommission an agent permanently", true))
	cmd.AddCommand(NewAgentSendCommand(root))
	cmd.AddCommand(NewAgentListCommand(root))
	cmd.AddCommand(NewAgentGetCommand(root))

	return cmd
}

func newLifecycleCommand(root *RootCommand, name agent.CommandName, short string, withReason bool) *cobra.Command {
	var (
		reason  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   string(name) + " <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := agent.ParseAgentID(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}
			c, err := lifecycleCommand(name, id, reason)
			if err != nil {
				return err
			}

			var res commandResult
			err = withClient(cmd.Context(), root.Config(), timeout, func(ctx context.Context, cl *service.Client) error {
				r, err := cl.Execute(ctx, c)
				if err != nil {
					return err
				}
				res = commandResult{AgentID: id.String(), Command: name, Version: r.Version}
				return nil
			})
			if err != nil {
				return err
			}
			return PrintOutput(res, root.OutputOptions())
		},
	}

	if withReason {
		cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded on the event")
	}
	cmd.Flags().DurationVar(&timeout, "timeout", service.DefaultRequestTimeout, "Reply timeout")

	return cmd
}

func lifecycleCommand(name agent.CommandName, id agent.AgentID, reason string) (agent.Command, error) {
	switch name {
	case agent.CommandActivate:
		return agent.Activate{AgentID: id}, nil
	case agent.CommandSuspend:
		return agent.Suspend{AgentID: id, Reason: reason}, nil
	case agent.CommandDecommission:
		return agent.Decommission{AgentID: id, Reason: reason}, nil
	}
	return nil, fmt.Errorf("unsupported lifecycle command %q", name)
}

func NewAgentListCommand(root *RootCommand) *cobra.Command {
	var (
		person  string
		status  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known agents",
		Example: `  agentd agent list
  agentd agent list --status active -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var q service.ListAgents
			if person != "" {
				id, err := agent.ParsePersonID(person)
				if err != nil {
					return fmt.Errorf("invalid person id: %w", err)
				}
				q.PersonID = id
			}
			if status != "" {
				st, err := agent.ParseStatus(status)
				if err != nil {
					return err
				}
				q.Status = st
			}

			views := []agentView{}
			err := withClient(cmd.Context(), root.Config(), timeout, func(ctx context.Context, c *service.Client) error {
				states, err := c.ListAgents(ctx, q)
				if err != nil {
					return err
				}
				for _, s := range states {
					views = append(views, newAgentView(s))
				}
				return nil
			})
			if err != nil {
				return err
			}
			return PrintOutput(views, root.OutputOptions())
		},
	}

	cmd.Flags().StringVar(&person, "person", "", "Only agents owned by this person id")
	cmd.Flags().StringVar(&status, "status", "", "Only agents in this status")
	cmd.Flags().DurationVar(&timeout, "timeout", service.DefaultRequestTimeout, "Reply timeout")

	return cmd
}

func NewAgentGetCommand(root *RootCommand) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := agent.ParseAgentID(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}

			var view agentView
			err = withClient(cmd.Context(), root.Config(), timeout, func(ctx context.Context, c *service.Client) error {
				s, err := c.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				view = newAgentView(s)
				return nil
			})
			if err != nil {
				return err
			}
			return PrintOutput(view, root.OutputOptions())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", service.DefaultRequestTimeout, "Reply timeout")

	return cmd
}

func NewAgentSendCommand(root *RootCommand) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <agent-id> <message>",
		Short: "Send a message to an active agent",
		Long: `Send a message and stream the response. In table output the response
is printed as it arrives.`,
		Example: `  agentd agent send 0190f5c3-8a1e-7c4d-9b2a-1f2e3d4c5b6a "Summarize the open incidents"`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := agent.ParseAgentID(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runAgentSend(ctx, root, id, strings.Join(args[1:], " "))
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", agentSendTimeout, "Timeout for the whole response")

	return cmd
}

func runAgentSend(ctx context.Context, root *RootCommand, id agent.AgentID, content string) error {
	opts := root.OutputOptions()
	stream := opts.Format == OutputTable && !opts.Quiet

	var res sendResult
	err := withClient(ctx, root.Config(), service.DefaultRequestTimeout, func(ctx context.Context, c *service.Client) error {
		events, err := c.SendMessage(ctx, service.SendMessage{AgentID: id, Content: content})
		if err != nil {
			return err
		}

		var (
			b         strings.Builder
			completed bool
		)
		for e := range events {
			res.AgentID, res.MessageID = e.Agent().String(), e.MessageRef().String()
			switch e := e.(type) {
			case agent.ResponseChunkReceived:
				b.WriteString(e.Content)
				res.Chunks++
				if stream {
					fmt.Fprint(opts.Writer, e.Content)
				}
			case agent.ResponseCompleted:
				res.FinishReason, res.Usage = e.FinishReason, e.Usage
				completed = true
			case agent.ResponseFailed:
				if stream && res.Chunks > 0 {
					fmt.Fprintln(opts.Writer)
				}
				return fmt.Errorf("message failed (%s): %s", e.Reason, e.Message)
			}
		}
		res.Content = b.String()
		if !completed {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("message stream interrupted: %w", err)
			}
			return fmt.Errorf("message stream ended without a terminal event")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if stream {
		fmt.Fprintln(opts.Writer)
		return nil
	}
	return PrintOutput(res, opts)
}
