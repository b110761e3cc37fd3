package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version   string `json:"version" yaml:"version"`
	BuildDate string `json:"buildDate" yaml:"buildDate"`
	GitCommit string `json:"gitCommit" yaml:"gitCommit"`
	GoVersion string `json:"goVersion" yaml:"goVersion"`
}

func NewVersionCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the version, build date and git commit of agentd.",
		// Printing the version needs no configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			root.opts.Format = OutputFormat(root.formatStr)
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(root.OutputOptions())
		},
	}
}

func printVersion(opts *OutputOptions) {
	info := versionInfo{
		Version:   cliVersion,
		BuildDate: cliBuildDate,
		GitCommit: cliGitCommit,
		GoVersion: runtime.Version(),
	}

	if opts.Format == OutputJSON || opts.Format == OutputYAML {
		PrintOutput(info, opts)
		return
	}
	fmt.Fprintf(opts.Writer, "agentd version %s\n", info.Version)
	fmt.Fprintf(opts.Writer, "  Commit: %s\n", info.GitCommit)
	fmt.Fprintf(opts.Writer, "  Built:  %s\n", info.BuildDate)
	fmt.Fprintf(opts.Writer, "  Go:     %s\n", info.GoVersion)
}
