// Package monitoring wires the gateway's metrics pipeline — an
// OpenTelemetry meter backed by a Prometheus exporter — and the
// periodic tenant monitor that turns manager statistics into alerts.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/openclaw/gateway/pkg/logger"
)

const meterName = "openclaw-gateway"

// Config controls the metrics endpoint.
type Config struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate normalizes the config and rejects unusable paths.
func (c *Config) Validate() error {
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("metrics path must start with '/': %q", c.Path)
	}
	return nil
}

// Service owns the meter provider and the Prometheus registry behind
// the /metrics endpoint.
type Service struct {
	config   *Config
	meter    metric.Meter
	exporter *prometheus.Exporter
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry
}

// NewService builds the metrics pipeline. With monitoring disabled the
// service still hands out a meter, but a no-op one, so instrumented
// code paths never need to branch.
func NewService(ctx context.Context, config *Config) (*Service, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return &Service{config: config, meter: noop.NewMeterProvider().Meter(meterName)}, nil
	}

	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	logger.FromContext(ctx).Info("monitoring initialized", "path", config.Path)
	return &Service{
		config:   config,
		meter:    provider.Meter(meterName),
		exporter: exporter,
		provider: provider,
		registry: registry,
	}, nil
}

// NewServiceWithFallback never fails: on initialization errors it logs
// and returns a no-op service so the gateway can still serve.
func NewServiceWithFallback(ctx context.Context, config *Config) *Service {
	service, err := NewService(ctx, config)
	if err != nil {
		logger.FromContext(ctx).Error("monitoring disabled after init failure", "error", err)
		return &Service{
			config: &Config{Path: "/metrics"},
			meter:  noop.NewMeterProvider().Meter(meterName),
		}
	}
	return service
}

// Enabled reports whether a real exporter is attached.
func (s *Service) Enabled() bool {
	return s.exporter != nil
}

// Meter returns the service meter (no-op when disabled).
func (s *Service) Meter() metric.Meter {
	return s.meter
}

// Path returns the metrics endpoint path.
func (s *Service) Path() string {
	return s.config.Path
}

// ExporterHandler serves the Prometheus scrape endpoint. When disabled
// it answers 404 so probes can tell metrics are off.
func (s *Service) ExporterHandler() http.Handler {
	if s.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}
