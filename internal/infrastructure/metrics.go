package infrastructure

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// LicenseMetrics holds the instruments recorded at the activation engine
// boundaries. They surface on /metrics through the Prometheus exporter.
type LicenseMetrics struct {
	ValidationChecks   metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationDuration metric.Float64Histogram
	Heartbeats         metric.Int64Counter
	SeatsReclaimed     metric.Int64Counter
}

// NewLicenseMetrics creates the license domain instruments on the given
// meter.
func NewLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}
	var err error

	m.ValidationChecks, err = meter.Int64Counter(
		"license_validation_checks_total",
		metric.WithDescription("Number of license validation checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation checks counter: %w", err)
	}

	m.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Number of license validations that did not return a valid status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation failures counter: %w", err)
	}

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation attempts counter: %w", err)
	}

	m.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Number of successful license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation success counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("Duration of license activation operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation duration histogram: %w", err)
	}

	m.Heartbeats, err = meter.Int64Counter(
		"license_heartbeats_total",
		metric.WithDescription("Number of activation heartbeats received"),
	)
	if err != nil {
		return nil, fmt.Errorf("create heartbeats counter: %w", err)
	}

	m.SeatsReclaimed, err = meter.Int64Counter(
		"license_seats_reclaimed_total",
		metric.WithDescription("Number of seats reclaimed from stale activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("create seats reclaimed counter: %w", err)
	}

	return m, nil
}
