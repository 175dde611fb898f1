package observability

import (
	"context"
	"fmt"

	"buildhook/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation scope of every buildhook span.
const TracerName = "buildhook"

// Span names. A build span is the parent of one step span per command.
const (
	SpanBuild = "build"
	SpanStep  = "step"
)

// InitTracer installs the global trace provider exporting over OTLP/gRPC to
// cfg.OTELEndpoint. Spans carry the server name and the project being built.
// The returned function flushes pending spans and must be called on exit.
func InitTracer(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(cfg.OTELEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	name := cfg.Name
	if name == "" {
		name = TracerName
	}
	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			attribute.String("buildhook.project_path", cfg.Project.ProjectPath),
			attribute.String("buildhook.unique_build_key", cfg.Project.Build.UniqueBuildKey),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// StartBuild opens the span covering one build from first step to final
// hook.
func StartBuild(ctx context.Context, tracer trace.Tracer, buildID, uniqueID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanBuild,
		trace.WithAttributes(
			attribute.String("build.id", buildID),
			attribute.String("build.unique_id", uniqueID),
		),
	)
}

// StartStep opens the span of one step under the build span in ctx.
func StartStep(ctx context.Context, tracer trace.Tracer, step int, title string, hook bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanStep,
		trace.WithAttributes(
			attribute.Int("step.index", step),
			attribute.String("step.title", title),
			attribute.Bool("step.hook", hook),
		),
	)
}
