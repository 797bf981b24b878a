// Package otel wires OpenTelemetry metrics to a Prometheus /metrics handler
// and exposes small recording helpers for the runtime's components.
package otel

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/ankittk/aide"

// InitMeterProvider installs a global MeterProvider backed by a Prometheus
// exporter and returns the /metrics handler. Call once at daemon startup.
// On error the caller can serve /metrics without OTel.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "aide"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the global aide meter.
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

// Attribute keys shared by the instruments.
var (
	AttrWorkflow = attribute.Key("workflow")
	AttrStatus   = attribute.Key("status")
	AttrTool     = attribute.Key("tool")
	AttrOutcome  = attribute.Key("outcome")
	AttrRule     = attribute.Key("rule")
	AttrSeverity = attribute.Key("severity")
	AttrChannel  = attribute.Key("channel")
	AttrType     = attribute.Key("type")
	AttrRoute    = attribute.Key("http.route")
)
