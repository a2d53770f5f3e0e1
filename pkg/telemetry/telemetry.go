// Package telemetry sets up OpenTelemetry metrics for the transaction manager
// and exposes them in the Prometheus format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// Config holds the telemetry settings.
type Config struct {
	// Enabled toggles metrics. When disabled a no-op meter is handed out.
	Enabled bool `yaml:"enabled"`
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"serviceName"`
	// MetricsPort is the port /metrics is served on by ListenAndServe.
	MetricsPort int `yaml:"metricsPort"`
}

// Telemetry holds the active providers.
type Telemetry struct {
	MeterProvider *sdkmetric.MeterProvider
	Meter         metric.Meter

	conf     Config
	registry *prom.Registry
}

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(ctx context.Context) error

// New initializes the metrics pipeline. Each Telemetry gets its own
// Prometheus registry so several can live in one process.
func New(conf Config) (*Telemetry, ShutdownFunc, error) {
	if !conf.Enabled {
		return &Telemetry{
			Meter: noop.NewMeterProvider().Meter(conf.ServiceName),
			conf:  conf,
		}, func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(conf.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prom.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	tel := &Telemetry{
		MeterProvider: mp,
		Meter:         mp.Meter(conf.ServiceName),
		conf:          conf,
		registry:      registry,
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
		return nil
	}

	log.WithFields(log.Fields{"service": conf.ServiceName}).Info("telemetry::New; metrics enabled")
	return tel, shutdown, nil
}

// Handler serves the metrics in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// ListenAndServe serves /metrics on the configured port until ctx is done.
func (t *Telemetry) ListenAndServe(ctx context.Context) error {
	if t.registry == nil || t.conf.MetricsPort == 0 {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", t.conf.MetricsPort), Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.WithFields(log.Fields{"addr": srv.Addr}).Info("telemetry::ListenAndServe; serving /metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
