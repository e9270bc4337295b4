// The deadletter command group: list, redrive, and purge failed uploads
package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/andrewh/spanvault/pkg/config"
	"github.com/andrewh/spanvault/pkg/deadletter"
)

func deadLetterCmd(g *globalOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Manage traces whose upload failed",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "dead-letter database (default: dead_letter.path from config)")

	// open resolves the configuration and the database path together so
	// redrive can upload with the same settings the exporter used.
	open := func() (*config.Config, *deadletter.Store, error) {
		cfg, err := g.resolve()
		if err != nil {
			return nil, nil, err
		}
		path := dbPath
		if path == "" {
			path = cfg.DeadLetter.Path
		}
		if path == "" {
			return nil, nil, errors.New("no dead-letter database: set --db or dead_letter.path")
		}
		store, err := deadletter.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return cfg, store, nil
	}

	cmd.AddCommand(deadLetterListCmd(open))
	cmd.AddCommand(deadLetterRedriveCmd(open))
	cmd.AddCommand(deadLetterPurgeCmd(open))
	return cmd
}

type openDeadLetters func() (*config.Config, *deadletter.Store, error)

func deadLetterListCmd(open openDeadLetters) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := open()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // read-only use

			letters, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Trace ID", "Trigger", "Attempts", "Failed At", "Key", "Error"})
			for _, l := range letters {
				t.AppendRow(table.Row{
					l.ID.String(),
					l.TraceID.String(),
					l.Trigger,
					l.Attempts,
					l.FailedAt.UTC().Format(time.RFC3339),
					l.Key,
					l.Error,
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum letters to show (0 = all)")
	return cmd
}

func deadLetterRedriveCmd(open openDeadLetters) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "redrive",
		Short: "Upload dead letters again under their original keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := open()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // nothing to recover at exit

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // stderr sync fails on some platforms

			ctx := cmd.Context()
			backend, closeBackend, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
			}
			defer closeBackend() //nolint:errcheck // nothing to recover at exit

			up, err := newUploader(cfg, backend, logger)
			if err != nil {
				return err
			}
			if err := up.Provision(ctx); err != nil {
				return fmt.Errorf("provisioning container %q: %w", up.Container(), err)
			}

			res, err := store.Redrive(ctx, up, limit, logger)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, failed %d\n", res.Delivered, res.Failed)
			if err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d dead letter(s) could not be delivered", res.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum letters to redrive (0 = all)")
	return cmd
}

func deadLetterPurgeCmd(open openDeadLetters) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters that failed before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative, got %s", olderThan)
			}
			_, store, err := open()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // nothing to recover at exit

			var cutoff time.Time
			if olderThan > 0 {
				cutoff = time.Now().Add(-olderThan)
			}
			n, err := store.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead letter(s)\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only purge letters older than this (0 = all)")
	return cmd
}
