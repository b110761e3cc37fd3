package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jguan/agent-domain/pkg/definition"
)

type definitionRow struct {
	Path     string `json:"path" yaml:"path"`
	Valid    bool   `json:"valid" yaml:"valid"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

func NewDefinitionCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definition",
		Short: "Work with agent definition files",
	}

	cmd.AddCommand(NewDefinitionValidateCommand(root))

	return cmd
}

func NewDefinitionValidateCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate agent definition files",
		Long: `Parse each definition and report every problem found. The command fails
when any file is invalid.`,
		Example: `  agentd definition validate agents/*.md`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, invalid := validateDefinitions(args)
			if err := PrintOutput(rows, root.OutputOptions()); err != nil {
				return err
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(rows))
			}
			return nil
		},
	}
}

func validateDefinitions(paths []string) ([]definitionRow, int) {
	rows := make([]definitionRow, 0, len(paths))
	invalid := 0
	for _, p := range paths {
		def, err := definition.Load(p)
		if err != nil {
			invalid++
			rows = append(rows, definitionRow{Path: p, Error: err.Error()})
			continue
		}
		rows = append(rows, definitionRow{
			Path:     p,
			Valid:    true,
			Name:     def.Metadata.Name,
			Version:  def.Metadata.Version,
			Provider: string(def.ModelConfig.Provider),
			Model:    def.ModelConfig.Model,
		})
	}
	return rows, invalid
}
