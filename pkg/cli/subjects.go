package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/subject"
)

type subjectRow struct {
	Name    string `json:"name" yaml:"name"`
	Subject string `json:"subject" yaml:"subject"`
}

func NewSubjectsCommand(root *RootCommand) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "subjects",
		Short: "Print the transport subjects agentd uses",
		Long: `Print the subject patterns used on the transport. With --agent the
subjects addressed to that agent are printed instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := subjectRows(agentID)
			if err != nil {
				return err
			}
			return PrintOutput(rows, root.OutputOptions())
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent id to print subjects for")

	return cmd
}

func subjectRows(agentID string) ([]subjectRow, error) {
	if agentID == "" {
		rows := []subjectRow{
			{Name: "deploy", Subject: subject.Deploy()},
			{Name: "commands", Subject: subject.AllCommands()},
			{Name: "events", Subject: subject.AllEvents()},
			{Name: "lifecycle_events", Subject: subject.AllLifecycleEvents()},
			{Name: "list_agents", Subject: subject.ListAgents()},
		}
		for _, t := range lifecycleEventTypes {
			rows = append(rows, subjectRow{Name: string(t), Subject: subject.EventsOfType(t)})
		}
		return rows, nil
	}

	id, err := agent.ParseAgentID(agentID)
	if err != nil {
		return nil, fmt.Errorf("invalid agent id: %w", err)
	}
	rows := []subjectRow{
		{Name: "commands", Subject: subject.AgentCommands(id)},
		{Name: "events", Subject: subject.AgentEvents(id)},
		{Name: "messages", Subject: subject.AgentMessages(id)},
		{Name: "get", Subject: subject.GetAgent(id)},
	}
	for _, c := range agentCommands {
		s, err := subject.Command(id, c)
		if err != nil {
			return nil, err
		}
		rows = append(rows, subjectRow{Name: string(c), Subject: s})
	}
	return rows, nil
}

var lifecycleEventTypes = []agent.EventType{
	agent.EventDeployed,
	agent.EventModelConfigured,
	agent.EventSystemPromptConfigured,
	agent.EventActivated,
	agent.EventSuspended,
	agent.EventDecommissioned,
}

var agentCommands = []agent.CommandName{
	agent.CommandConfigureModel,
	agent.CommandConfigureSystemPrompt,
	agent.CommandActivate,
	agent.CommandSuspend,
	agent.CommandDecommission,
	agent.CommandSendMessage,
}
