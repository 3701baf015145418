// Package tracing builds the OpenTelemetry tracer provider used for
// per-call and disposal spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/testbridge/internal/config"
	"github.com/zjrosen/testbridge/internal/log"
)

// InstrumentationName is the tracer name used by the bridge and listener.
const InstrumentationName = "github.com/zjrosen/testbridge"

const shutdownTimeout = 5 * time.Second

// Provider wraps a tracer provider together with its shutdown.
type Provider struct {
	tp           trace.TracerProvider
	sdk          *sdktrace.TracerProvider
	shutdownOnce sync.Once
}

// Setup creates a Provider for cfg.Exporter. The stdout exporter writes to
// w. With the "none" exporter every span is a no-op.
func Setup(ctx context.Context, cfg config.TraceConfig, serviceVersion string, w io.Writer) (*Provider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case config.ExporterNone, "":
		return &Provider{tp: noop.NewTracerProvider()}, nil
	case config.ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
	case config.ExporterOTLP:
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", "testbridge"),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(sdk)

	log.Info(log.CatTrace, "Tracing enabled", "exporter", cfg.Exporter, "endpoint", cfg.OTLPEndpoint)
	return &Provider{tp: sdk, sdk: sdk}, nil
}

// Tracer returns the tracer used for bridge spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(InstrumentationName)
}

// Shutdown flushes pending spans. Only the first call does anything.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if p.sdk == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err = p.sdk.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatTrace, "Tracer provider shutdown failed", err)
			err = fmt.Errorf("tracer provider shutdown: %w", err)
		}
	})
	return err
}
