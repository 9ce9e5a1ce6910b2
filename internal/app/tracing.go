package app

import (
	"context"
	"net/http"

	"github.com/nuetzliches/sbinspect/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var tracingCompression = map[string]otlptracehttp.Compression{
	"gzip": otlptracehttp.GzipCompression,
	"none": otlptracehttp.NoCompression,
}

// tracingExporterOptions maps the observability.tracing block onto OTLP/HTTP
// exporter options. Unset fields fall back to the exporter's own env handling.
func tracingExporterOptions(obs config.ObservabilityConfig) []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	add := func(ok bool, opt func() otlptracehttp.Option) {
		if ok {
			opts = append(opts, opt())
		}
	}

	add(obs.TracingCollector != "", func() otlptracehttp.Option {
		return otlptracehttp.WithEndpointURL(obs.TracingCollector)
	})
	add(obs.TracingURLPath != "", func() otlptracehttp.Option {
		return otlptracehttp.WithURLPath(obs.TracingURLPath)
	})
	if c, ok := tracingCompression[obs.TracingCompression]; ok {
		opts = append(opts, otlptracehttp.WithCompression(c))
	}
	add(obs.TracingTimeoutSet, func() otlptracehttp.Option {
		return otlptracehttp.WithTimeout(obs.TracingTimeout)
	})
	add(len(obs.TracingHeaders) > 0, func() otlptracehttp.Option {
		headers := make(map[string]string, len(obs.TracingHeaders))
		for _, h := range obs.TracingHeaders {
			headers[h.Name] = h.Value
		}
		return otlptracehttp.WithHeaders(headers)
	})
	add(obs.TracingInsecure, otlptracehttp.WithInsecure)
	return opts
}

// initTracing installs a global tracer provider exporting over OTLP/HTTP.
// The returned func flushes pending spans and must be called on exit.
func initTracing(ctx context.Context, obs config.ObservabilityConfig, onError func(error)) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName("sbinspect"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}
	exp, err := otlptracehttp.New(ctx, tracingExporterOptions(obs)...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exp),
	)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(onError))
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// wrapTracingHandler names server spans "<listener> <METHOD>".
func wrapTracingHandler(enabled bool, name string, h http.Handler) http.Handler {
	if !enabled {
		return h
	}
	return otelhttp.NewHandler(h, name,
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.Method
		}),
	)
}
