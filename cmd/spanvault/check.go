// The check command: verify the configured backend can receive uploads
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

func checkCmd(g *globalOptions) *cobra.Command {
	var create bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the destination container exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
			}
			defer closeStore() //nolint:errcheck // nothing to recover at exit

			w := cmd.OutOrStdout()
			container := cfg.Container()
			if create {
				if err := blobstore.Ensure(ctx, store, container, cfg.Region()); err != nil {
					_, _ = fmt.Fprintf(w, "FAIL  %s %s: %v\n", cfg.Backend, container, err)
					return fmt.Errorf("container %s is not usable", container)
				}
				_, _ = fmt.Fprintf(w, "PASS  %s %s: ready\n", cfg.Backend, container)
				return nil
			}

			ok, err := store.Exists(ctx, container)
			switch {
			case err != nil:
				_, _ = fmt.Fprintf(w, "FAIL  %s %s: %v\n", cfg.Backend, container, err)
				return fmt.Errorf("container %s is not usable", container)
			case !ok:
				_, _ = fmt.Fprintf(w, "FAIL  %s %s: does not exist (use --create)\n", cfg.Backend, container)
				return fmt.Errorf("container %s does not exist", container)
			}
			_, _ = fmt.Fprintf(w, "PASS  %s %s: exists\n", cfg.Backend, container)
			return nil
		},
	}

	cmd.Flags().BoolVar(&create, "create", false, "create the container when it is missing")

	return cmd
}
