package otelcol

import (
	"context"
	"strings"

	"connectreward/pkg/config"
	"connectreward/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		NewTracerProvider,
		NewMeterProvider,
	),
)

func serviceResource(cfg *config.Config) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

func ProvideTrace(exporter sdktrace.SpanExporter, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	opts = append(opts, sdktrace.WithBatcher(exporter))
	return sdktrace.NewTracerProvider(opts...)
}

// NewTracerProvider exports spans over OTLP when OTEL.ADDR is set and falls
// back to the global no-op provider otherwise.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) trace.TracerProvider {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider()
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if strings.EqualFold(cfg.Otel.Protocol, "grpc") {
		exporter, err = exporters.ProvideGrpc(cfg)
	} else {
		exporter, err = exporters.ProvideHttp(cfg)
	}
	if err != nil {
		zap.L().Warn("otel exporter unavailable, tracing disabled", zap.Error(err))
		return otel.GetTracerProvider()
	}

	tp := ProvideTrace(exporter, sdktrace.WithResource(serviceResource(cfg)))
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp
}

// NewMeterProvider backs otel instruments (otelgrpc) with the sdk. Readers are
// not attached; service counters are exported through prometheus.
func NewMeterProvider(lc fx.Lifecycle, cfg *config.Config) metric.MeterProvider {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(serviceResource(cfg)))
	otel.SetMeterProvider(mp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})

	return mp
}
