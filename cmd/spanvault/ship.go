// The ship command: replay ND-JSON spans through the buffering exporter
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof endpoint is opt-in via --pprof flag
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/andrewh/spanvault/pkg/blobstore"
	"github.com/andrewh/spanvault/pkg/blobstore/memstore"
	"github.com/andrewh/spanvault/pkg/config"
	"github.com/andrewh/spanvault/pkg/deadletter"
	"github.com/andrewh/spanvault/pkg/export"
	"github.com/andrewh/spanvault/pkg/ndjson"
	"github.com/andrewh/spanvault/pkg/offload"
)

const defaultBatchSize = 512

type shipOptions struct {
	dryRun    bool
	offload   bool
	batchSize int
	signals   string
	endpoint  string
	protocol  string
	pprofAddr string
	pyroscope string
}

func shipCmd(g *globalOptions) *cobra.Command {
	var opts shipOptions

	cmd := &cobra.Command{
		Use:   "ship [spans.ndjson]",
		Short: "Buffer spans by trace and upload each trace as one object",
		Long: "Read ND-JSON spans from a file (or stdin) and feed them through the trace buffer.\n" +
			"Each trace is uploaded when its root span arrives; traces still buffered at the end\n" +
			"of the input are flushed on shutdown.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.batchSize <= 0 {
				return fmt.Errorf("--batch-size must be positive, got %d", opts.batchSize)
			}
			cfg, err := g.resolve()
			if err != nil {
				return err
			}
			if opts.offload {
				cfg.Offload.Enabled = true
			}
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening spans: %w", err)
				}
				defer f.Close() //nolint:errcheck // read-only file
				in = f
			}
			return runShip(cmd.Context(), cmd, cfg, in, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "upload to memory and print the object keys instead of writing to the backend")
	cmd.Flags().BoolVar(&opts.offload, "offload", false, "upload completed traces from background workers")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", defaultBatchSize, "spans per export call")
	cmd.Flags().StringVar(&opts.signals, "signals", "", "comma-separated self-telemetry signals: metrics,logs")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "OTLP endpoint for self-telemetry (default: JSON on stderr)")
	cmd.Flags().StringVar(&opts.protocol, "protocol", "http/protobuf", "OTLP protocol: http/protobuf or grpc")
	cmd.Flags().StringVar(&opts.pprofAddr, "pprof", "", "start pprof HTTP server on this address (e.g. :6060)")
	cmd.Flags().StringVar(&opts.pyroscope, "pyroscope", "", "push continuous profiles to this Pyroscope server")

	return cmd
}

func runShip(ctx context.Context, cmd *cobra.Command, cfg *config.Config, in io.Reader, opts shipOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // stderr sync fails on some platforms

	if opts.pprofAddr != "" {
		go func() {
			logger.Info("pprof server listening", zap.String("addr", opts.pprofAddr))
			if err := http.ListenAndServe(opts.pprofAddr, nil); err != nil { //nolint:gosec // pprof server is opt-in via flag
				logger.Warn("pprof server stopped", zap.Error(err))
			}
		}()
	}
	if opts.pyroscope != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "spanvault",
			ServerAddress:   opts.pyroscope,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("starting profiler: %w", err)
		}
		defer profiler.Stop() //nolint:errcheck // best-effort final push
	}

	spans, err := ndjson.Decode(in)
	if err != nil {
		return err
	}

	var (
		mem        *memstore.Store
		store      blobstore.Store
		closeStore = func() error { return nil }
	)
	if opts.dryRun {
		mem = memstore.New()
		store = mem
	} else if store, closeStore, err = openStore(ctx, cfg); err != nil {
		return fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
	}
	defer closeStore() //nolint:errcheck // nothing to recover at exit

	up, err := newUploader(cfg, store, logger)
	if err != nil {
		return err
	}

	observers, stopTelemetry, err := startTelemetry(ctx, telemetryOptions{
		signals:  opts.signals,
		endpoint: opts.endpoint,
		protocol: opts.protocol,
		out:      cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer stopTelemetry()

	exporterOpts, closeOpts, err := exporterOptions(cfg, logger)
	if err != nil {
		return err
	}
	defer closeOpts()
	exporterOpts = append(exporterOpts, export.WithObservers(observers...))

	exp, err := export.New(ctx, up, exporterOpts...)
	if err != nil {
		return err
	}

	var exportErr error
	for start := 0; start < len(spans); start += opts.batchSize {
		end := min(start+opts.batchSize, len(spans))
		if exportErr = exp.ExportSpans(ctx, spans[start:end]); exportErr != nil {
			break
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Offload.DrainTimeout+shutdownTimeout)
	defer cancel()
	shutdownErr := exp.Shutdown(shutdownCtx)

	stats := exp.Stats()
	enc := json.NewEncoder(cmd.ErrOrStderr())
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return fmt.Errorf("writing stats: %w", err)
	}

	if mem != nil {
		for _, obj := range mem.Objects() {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), obj.Key)
		}
	}

	if err := errors.Join(exportErr, shutdownErr); err != nil {
		return err
	}
	if stats.UploadsFailed > stats.DeadLettered {
		return fmt.Errorf("%d trace(s) could not be uploaded", stats.UploadsFailed-stats.DeadLettered)
	}
	return nil
}

// exporterOptions maps the configuration onto exporter options. The returned
// function releases the dead-letter store, if one was opened.
func exporterOptions(cfg *config.Config, logger *zap.Logger) ([]export.Option, func(), error) {
	noop := func() {}
	format, err := ndjson.ParseFormat(cfg.Export.Format)
	if err != nil {
		return nil, noop, err
	}
	enc, err := ndjson.NewEncoder(format, logger)
	if err != nil {
		return nil, noop, err
	}

	opts := []export.Option{
		export.WithLogger(logger),
		export.WithEncoder(enc),
		export.WithTimeout(cfg.Export.Timeout),
		export.WithMaxSpansPerTrace(cfg.Export.MaxSpansPerTrace),
		export.WithSweepInterval(cfg.Export.SweepInterval),
		export.WithDrainTimeout(cfg.Offload.DrainTimeout),
		export.WithTombstoneTTL(cfg.Export.TombstoneTTL),
	}
	if cfg.Export.FilterAttribute != "" {
		opts = append(opts, export.WithFilter(export.RequireAttribute(attribute.Key(cfg.Export.FilterAttribute))))
	}
	if cfg.Offload.Enabled {
		opts = append(opts, export.WithOffload(offload.Config{
			Workers:   cfg.Offload.Workers,
			QueueSize: cfg.Offload.QueueSize,
		}))
	}

	if cfg.DeadLetter.Path == "" {
		return opts, noop, nil
	}
	dl, err := deadletter.Open(cfg.DeadLetter.Path)
	if err != nil {
		return nil, noop, err
	}
	opts = append(opts, export.WithDeadLetterSink(dl))
	return opts, func() { _ = dl.Close() }, nil
}
