// Package observability provides OpenTelemetry tracing, the Prometheus metrics
// endpoint and the build instruments recorded by the scheduler and pipeline.
package observability

import (
	"context"
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope of the build instruments.
const MeterName = "buildhook"

// InitMetrics installs the global meter provider backed by a Prometheus
// exporter on a dedicated registry. The registry also carries the Go runtime
// and process collectors. It returns the /metrics handler and a shutdown
// function to call on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	reg := prom.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return handler, provider.Shutdown, nil
}

// Meter returns the meter build instruments are registered on.
func Meter() otelmetric.Meter {
	return otel.Meter(MeterName)
}
