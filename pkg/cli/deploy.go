package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/config"
	"github.com/jguan/agent-domain/pkg/definition"
	"github.com/jguan/agent-domain/pkg/service"
)

type deployResult struct {
	AgentID  string       `json:"agent_id" yaml:"agent_id"`
	Name     string       `json:"name" yaml:"name"`
	Status   agent.Status `json:"status" yaml:"status"`
	Version  uint64       `json:"version" yaml:"version"`
	Provider string       `json:"provider" yaml:"provider"`
	Model    string       `json:"model" yaml:"model"`
}

type deployOptions struct {
	definitionPath string
	person         string
	activate       bool
	timeout        time.Duration
}

func NewDeployCommand(root *RootCommand) *cobra.Command {
	var opts deployOptions

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an agent from a definition file",
		Long: `Deploy an agent described by a markdown definition, then configure its
model and system prompt. With --activate the agent is also activated.`,
		Example: `  # Deploy and activate a reviewer agent
  agentd deploy --definition agents/reviewer.md --person 0190f5c3-8a1e-7c4d-9b2a-1f2e3d4c5b6a --activate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runDeploy(cmd.Context(), root.Config(), opts)
			if err != nil {
				return err
			}
			return PrintOutput(res, root.OutputOptions())
		},
	}

	cmd.Flags().StringVarP(&opts.definitionPath, "definition", "d", "", "Agent definition file (markdown with YAML front matter)")
	cmd.Flags().StringVarP(&opts.person, "person", "p", "", "Owning person id (UUID)")
	cmd.Flags().BoolVar(&opts.activate, "activate", false, "Activate the agent after configuring it")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", service.DefaultRequestTimeout, "Per-command reply timeout")
	_ = cmd.MarkFlagRequired("definition")
	_ = cmd.MarkFlagRequired("person")

	return cmd
}

func runDeploy(ctx context.Context, cfg *config.Config, opts deployOptions) (deployResult, error) {
	def, err := definition.Load(opts.definitionPath)
	if err != nil {
		return deployResult{}, err
	}
	person, err := agent.ParsePersonID(opts.person)
	if err != nil {
		return deployResult{}, fmt.Errorf("invalid --person: %w", err)
	}

	res := deployResult{
		Name:     def.Metadata.Name,
		Provider: string(def.ModelConfig.Provider),
		Model:    def.ModelConfig.Model,
	}
	err = withClient(ctx, cfg, opts.timeout, func(ctx context.Context, c *service.Client) error {
		id, err := c.Deploy(ctx, def.Deploy(person))
		if err != nil {
			return fmt.Errorf("deploy: %w", err)
		}
		res.AgentID = id.String()

		if _, err := c.ConfigureModel(ctx, id, def.ModelConfig); err != nil {
			return fmt.Errorf("configure model: %w", err)
		}
		r, err := c.ConfigureSystemPrompt(ctx, id, def.SystemPrompt)
		if err != nil {
			return fmt.Errorf("configure system prompt: %w", err)
		}
		res.Status, res.Version = agent.StatusConfigured, r.Version

		if opts.activate {
			if r, err = c.Activate(ctx, id); err != nil {
				return fmt.Errorf("activate: %w", err)
			}
			res.Status, res.Version = agent.StatusActive, r.Version
		}
		return nil
	})
	return res, err
}
