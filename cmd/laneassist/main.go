// Command laneassist serves the lane and depth pipelines over HTTP and
// converts stored videos from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/lane.assist/internal/config"
	"github.com/banshee-data/lane.assist/internal/version"
)

const defaultDBPath = "lanes.db"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	ConfigPath string
	DBPath     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "laneassist",
		Short:         "Lane departure and depth analytics for forward-facing camera video",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "Pipeline config JSON (defaults are built in; see "+config.DefaultConfigPath+")")
	root.PersistentFlags().StringVar(&g.DBPath, "db", defaultDBPath, "Conversion ledger SQLite path")

	root.AddCommand(
		newServeCmd(g),
		newConvertCmd(g),
		newStatusCmd(),
		newMigrateCmd(g),
	)
	return root
}

// loadConfig reads the pipeline config, or the built-in defaults when no
// path was given.
func (g *globalFlags) loadConfig() (*config.PipelineConfig, error) {
	if g.ConfigPath == "" {
		return config.EmptyPipelineConfig(), nil
	}
	return config.LoadPipelineConfig(g.ConfigPath)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
