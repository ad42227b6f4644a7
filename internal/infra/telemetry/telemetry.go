package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arklim/streampay/internal/infra/config"
)

// Provider represents a telemetry provider handle.
type Provider struct {
	settlementOutcomes *prometheus.CounterVec
}

// Attach configures telemetry exporters and returns a provider handle.
func Attach(_ context.Context, cfg *config.AppConfig) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	outcomes := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streampay",
		Name:      "settlement_outcomes_total",
		Help:      "Total number of settle requests partitioned by outcome.",
	}, []string{"outcome"})

	return &Provider{
		settlementOutcomes: outcomes,
	}, nil
}

// SettlementOutcomes exposes the settlement outcome metric.
func (p *Provider) SettlementOutcomes() *prometheus.CounterVec {
	if p == nil {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop"}, []string{"outcome"})
	}
	return p.settlementOutcomes
}
