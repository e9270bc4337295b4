// Trace archiver for OpenTelemetry spans
// Replays ND-JSON span files into object storage, one object per trace, and manages failed uploads
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andrewh/spanvault/pkg/config"
	"github.com/andrewh/spanvault/pkg/logging"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	backend    string
	container  string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalOptions

	root := &cobra.Command{
		Use:          "spanvault",
		Short:        "Archive OpenTelemetry traces to object storage",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file (MONOCLE_* variables override it)")
	root.PersistentFlags().StringVar(&g.backend, "backend", "", "storage backend: "+strings.Join(config.Backends, ", "))
	root.PersistentFlags().StringVar(&g.container, "container", "", "destination bucket or container")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(shipCmd(&g))
	root.AddCommand(inspectCmd())
	root.AddCommand(checkCmd(&g))
	root.AddCommand(deadLetterCmd(&g))
	root.AddCommand(versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "spanvault %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

// resolve builds the effective configuration: file, then environment, then flags.
func (g *globalOptions) resolve() (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if g.backend != "" {
		cfg.Backend = g.backend
	}
	cfg.Normalize()
	if g.container != "" {
		cfg.SetContainer(g.container)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
}

// shutdownable is anything with a Shutdown method (exporter, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within the given context.
// Errors are logged to stderr individually; a slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, items []S, label string) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error shutting down %s: %v\n", label, err)
			}
		})
	}
	wg.Wait()
}
