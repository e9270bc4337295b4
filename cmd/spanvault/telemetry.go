// Self-telemetry providers: flush metrics and flush logs about spanvault itself
package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/andrewh/spanvault/pkg/export"
)

const shutdownTimeout = 5 * time.Second

// telemetryOptions selects where self-telemetry goes. An empty endpoint
// writes JSON to the given writer.
type telemetryOptions struct {
	signals  string
	endpoint string
	protocol string
	out      io.Writer
}

var validSignals = map[string]bool{
	"metrics": true,
	"logs":    true,
}

var validProtocols = map[string]bool{
	"http/protobuf": true,
	"grpc":          true,
}

func parseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

// startTelemetry builds the observers for the requested signals. The
// returned shutdown function flushes and closes every provider.
func startTelemetry(ctx context.Context, opts telemetryOptions) ([]export.FlushObserver, func(), error) {
	noop := func() {}
	enabled, err := parseSignals(opts.signals)
	if err != nil {
		return nil, noop, err
	}
	if len(enabled) == 0 {
		return nil, noop, nil
	}
	if !validProtocols[opts.protocol] {
		return nil, noop, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", opts.protocol)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "spanvault"),
		attribute.String("spanvault.version", version),
	))
	if err != nil {
		return nil, noop, fmt.Errorf("creating resource: %w", err)
	}

	var (
		observers []export.FlushObserver
		meters    []*sdkmetric.MeterProvider
		loggers   []*sdklog.LoggerProvider
	)
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownAll(shutdownCtx, meters, "meter provider")
		shutdownAll(shutdownCtx, loggers, "logger provider")
	}

	if enabled["metrics"] {
		exporter, err := createMetricExporter(ctx, opts)
		if err != nil {
			return nil, noop, fmt.Errorf("creating metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
			sdkmetric.WithResource(res),
		)
		meters = append(meters, mp)
		obs, err := export.NewMetricObserver(mp)
		if err != nil {
			shutdown()
			return nil, noop, fmt.Errorf("creating metric observer: %w", err)
		}
		observers = append(observers, obs)
	}

	if enabled["logs"] {
		exporter, err := createLogExporter(ctx, opts)
		if err != nil {
			shutdown()
			return nil, noop, fmt.Errorf("creating log exporter: %w", err)
		}
		var processor sdklog.Processor
		if opts.endpoint == "" {
			processor = sdklog.NewSimpleProcessor(exporter)
		} else {
			processor = sdklog.NewBatchProcessor(exporter)
		}
		lp := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(processor),
			sdklog.WithResource(res),
		)
		loggers = append(loggers, lp)
		observers = append(observers, export.NewLogObserver(lp))
	}

	return observers, shutdown, nil
}

func createMetricExporter(ctx context.Context, opts telemetryOptions) (sdkmetric.Exporter, error) {
	if opts.endpoint == "" {
		return stdoutmetric.New(stdoutmetric.WithWriter(opts.out))
	}
	switch opts.protocol {
	case "grpc":
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(opts.endpoint), otlpmetricgrpc.WithInsecure())
	default:
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(opts.endpoint), otlpmetrichttp.WithInsecure())
	}
}

func createLogExporter(ctx context.Context, opts telemetryOptions) (sdklog.Exporter, error) {
	if opts.endpoint == "" {
		return stdoutlog.New(stdoutlog.WithWriter(opts.out))
	}
	switch opts.protocol {
	case "grpc":
		return otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(opts.endpoint), otlploggrpc.WithInsecure())
	default:
		return otlploghttp.New(ctx, otlploghttp.WithEndpoint(opts.endpoint), otlploghttp.WithInsecure())
	}
}
