package engine

import (
	"log/slog"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Metrics reports engine counters to StatsD. A nil *Metrics or an empty
// address reports nothing.
type Metrics struct {
	client statsd.ClientInterface
}

func NewMetrics(address string, tags ...string) *Metrics {
	if address == "" {
		return &Metrics{client: &statsd.NoOpClient{}}
	}
	client, err := statsd.New(address,
		statsd.WithNamespace("automatisations."),
		statsd.WithTags(tags),
	)
	if err != nil {
		slog.Error("StatsD client initialization failed, metrics will be unavailable", "address", address, "error", err)
		return &Metrics{client: &statsd.NoOpClient{}}
	}
	return &Metrics{client: client}
}

func (m *Metrics) Count(name string, value int64, tags ...string) {
	if m == nil {
		return
	}
	if err := m.client.Count(name, value, tags, 1); err != nil {
		slog.Debug("statsd count failed", "metric", name, "error", err)
	}
}

func (m *Metrics) Timing(name string, value time.Duration, tags ...string) {
	if m == nil {
		return
	}
	if err := m.client.Timing(name, value, tags, 1); err != nil {
		slog.Debug("statsd timing failed", "metric", name, "error", err)
	}
}

func (m *Metrics) Gauge(name string, value float64, tags ...string) {
	if m == nil {
		return
	}
	if err := m.client.Gauge(name, value, tags, 1); err != nil {
		slog.Debug("statsd gauge failed", "metric", name, "error", err)
	}
}

func (m *Metrics) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
