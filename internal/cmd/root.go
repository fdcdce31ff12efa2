// Package cmd holds the gatekeeperctl command tree.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information set by the main package.
var versionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatekeeperctl",
		Short: "Inspect and exercise gatekeeper rate limit policies",
		Long: `gatekeeperctl simulates rate limit policies locally and queries a
running gatekeeper gateway over gRPC.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newSimulateCommand())
	root.AddCommand(newEvaluateCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	version := versionInfo.Version
	if version == "" {
		version = "dev"
	}
	fmt.Fprintf(w, "gatekeeperctl %s", version)
	if versionInfo.Commit != "" {
		fmt.Fprintf(w, " (commit %s, built %s)", versionInfo.Commit, versionInfo.BuildDate)
	}
	fmt.Fprintln(w)
}

// ExitWithError prints err to stderr and exits with status 1.
func ExitWithError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
