package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	TenantsProvisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenants_provisioned_total",
			Help: "Total number of tenant provisioning runs by final status",
		},
		[]string{"status"},
	)
	ProvisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenant_provisioning_duration_seconds",
			Help:    "Duration of tenant provisioning runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	StepAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_provisioning_step_attempts_total",
			Help: "Total provisioning step attempts by step and outcome",
		},
		[]string{"step", "outcome"},
	)
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_rollbacks_total",
			Help: "Total rollback runs by final status",
		},
		[]string{"status"},
	)
)

func InitMetrics() {
	for _, c := range []prometheus.Collector{
		TenantsProvisioned,
		ProvisioningDuration,
		StepAttempts,
		RollbacksTotal,
	} {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msg("Failed to register metric")
		}
	}
}
