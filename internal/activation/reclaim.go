package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "licensor/internal/errors"
	"licensor/internal/infrastructure"
	"licensor/internal/store"
)

const (
	// DefaultSweepInterval is how often the reclaimer scans for stale
	// activations.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultStaleAfter is how long an activation may miss heartbeats
	// before its seat is reclaimed.
	DefaultStaleAfter = 10 * time.Minute
)

// Reclaimer removes activations whose heartbeats have gone quiet and
// returns their seats to the pool. Exactly one instance should run per
// deployment.
type Reclaimer struct {
	store      store.Store
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	metrics    *infrastructure.LicenseMetrics
	now        func() time.Time
}

// ReclaimerOption configures a Reclaimer.
type ReclaimerOption func(*Reclaimer)

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) { r.interval = d }
}

// WithStaleAfter overrides the stale threshold.
func WithStaleAfter(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) { r.staleAfter = d }
}

// WithReclaimClock overrides the reclaimer's time source.
func WithReclaimClock(now func() time.Time) ReclaimerOption {
	return func(r *Reclaimer) { r.now = now }
}

// WithReclaimMetrics attaches the license instruments. Without it the
// reclaimer records nothing.
func WithReclaimMetrics(m *infrastructure.LicenseMetrics) ReclaimerOption {
	return func(r *Reclaimer) { r.metrics = m }
}

// NewReclaimer builds a reclaimer. The stale threshold must be at least
// heartbeatInterval, otherwise healthy clients would be reclaimed between
// two heartbeats.
func NewReclaimer(st store.Store, logger *slog.Logger, heartbeatInterval time.Duration, opts ...ReclaimerOption) (*Reclaimer, error) {
	r := &Reclaimer{
		store:      st,
		logger:     logger,
		interval:   DefaultSweepInterval,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.staleAfter < heartbeatInterval {
		return nil, fmt.Errorf("%w: stale threshold %s is below the heartbeat interval %s",
			apperrors.ErrBadRequest, r.staleAfter, heartbeatInterval)
	}
	return r, nil
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "reclamation worker started",
		slog.Duration("interval", r.interval),
		slog.Duration("stale_after", r.staleAfter))
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reclamation worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.ErrorContext(ctx, "reclamation sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep removes every activation whose last heartbeat predates the stale
// threshold, decrementing the seat counter of its license under the
// per-license lock.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	threshold := r.now().Add(-r.staleAfter)
	stale, err := r.store.SelectStaleActivations(ctx, threshold)
	if err != nil {
		return fmt.Errorf("select stale activations: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	byLicense := make(map[uuid.UUID][]store.Activation)
	for _, a := range stale {
		byLicense[a.LicenseID] = append(byLicense[a.LicenseID], a)
	}

	reclaimed := 0
	for licenseID, activations := range byLicense {
		err := r.store.WithLicenseLock(ctx, licenseID, func(ctx context.Context) error {
			n, err := r.reclaimLicense(ctx, licenseID, activations, threshold)
			reclaimed += n
			return err
		})
		if err != nil {
			return err
		}
	}
	if r.metrics != nil && reclaimed > 0 {
		r.metrics.SeatsReclaimed.Add(ctx, int64(reclaimed))
	}
	r.logger.InfoContext(ctx, "stale activations reclaimed", slog.Int("count", reclaimed))
	return nil
}

// reclaimLicense re-reads each candidate under the lock so a heartbeat that
// raced the sweep keeps its seat.
func (r *Reclaimer) reclaimLicense(ctx context.Context, licenseID uuid.UUID, candidates []store.Activation, threshold time.Time) (int, error) {
	removed := 0
	for _, stale := range candidates {
		current, err := r.store.FindActivation(ctx, licenseID, stale.MachineID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("find activation: %w", err)
		}
		if !current.LastHeartbeatAt.Before(threshold) {
			continue
		}
		if err := r.store.RemoveActivation(ctx, current.ID); err != nil {
			return removed, fmt.Errorf("remove activation: %w", err)
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	rows, err := r.store.ListActivations(ctx, licenseID)
	if err != nil {
		return removed, fmt.Errorf("list activations: %w", err)
	}
	row, err := r.store.FindLicenseByID(ctx, licenseID)
	if err != nil {
		return removed, fmt.Errorf("find license: %w", err)
	}
	row.ActiveUsers = len(rows)
	if err := r.store.UpdateLicense(ctx, row); err != nil {
		return removed, fmt.Errorf("persist license: %w", err)
	}
	return removed, nil
}
