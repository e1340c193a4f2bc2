// Package activation implements the server-side licensing engine: license
// generation, validation against persisted state, seat-counted activation,
// revocation, renewal and heartbeat bookkeeping.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"licensor/internal/crypto"
	"licensor/internal/envelope"
	apperrors "licensor/internal/errors"
	"licensor/internal/infrastructure"
	"licensor/internal/license"
	"licensor/internal/store"
)

// Status is the outcome of an engine operation.
type Status string

const (
	StatusValid    Status = "Valid"
	StatusInvalid  Status = "Invalid"
	StatusExpired  Status = "Expired"
	StatusRevoked  Status = "Revoked"
	StatusNotFound Status = "NotFound"
)

// Result carries an operation outcome together with the persisted row it
// was evaluated against.
type Result struct {
	Status Status
	Row    *store.LicenseRow
	Err    error
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Status == StatusValid }

func fail(status Status, row *store.LicenseRow, err error) Result {
	return Result{Status: status, Row: row, Err: err}
}

// Engine executes licensing operations against the store. Every update of an
// existing license row and every seat change runs inside the store's
// per-license lock; Heartbeat's single-row touch of an activation does not
// take it.
type Engine struct {
	store   store.Store
	codec   *envelope.Codec
	secrets *crypto.Secrets
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *infrastructure.LicenseMetrics
	now     func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches the license instruments. Without it the engine
// records nothing.
func WithMetrics(m *infrastructure.LicenseMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an activation engine over st, encoding and decoding
// envelopes with the given secrets.
func NewEngine(st store.Store, codec *envelope.Codec, secrets *crypto.Secrets, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   st,
		codec:   codec,
		secrets: secrets,
		logger:  logger,
		tracer:  otel.Tracer("licensor/activation"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateRequest describes the license to mint.
type GenerateRequest struct {
	Type                 license.Type
	ProductID            uuid.UUID
	FeatureIDs           []uuid.UUID
	Issuer               string
	UserName             string
	HardwareID           string
	MaxActiveUsers       int
	ExpirationDate       *time.Time
	TrialPeriod          time.Duration
	SubscriptionStart    time.Time
	SubscriptionDuration time.Duration
	Features             map[string]license.Feature
}

// Generated is the output of Generate.
type Generated struct {
	Envelope []byte
	ID       uuid.UUID
	Key      string
}

// Generate mints a new license: persists the row and its feature links,
// then encodes the signed envelope.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*Generated, error) {
	ctx, span := e.tracer.Start(ctx, "activation.Generate")
	defer span.End()

	now := e.now()
	ok, err := e.store.ProductExists(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("check product: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown product %s", apperrors.ErrBadRequest, req.ProductID)
	}
	if len(req.FeatureIDs) > 0 {
		ok, err := e.store.FeaturesExist(ctx, req.FeatureIDs)
		if err != nil {
			return nil, fmt.Errorf("check features: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: unknown feature requested", apperrors.ErrBadRequest)
		}
	}
	if req.ExpirationDate != nil && !req.ExpirationDate.After(now) {
		return nil, fmt.Errorf("%w: expiration date must be in the future", apperrors.ErrBadRequest)
	}

	l, err := e.buildLicense(req)
	if err != nil {
		return nil, err
	}
	for name, f := range req.Features {
		l.Common().SetFeature(name, f)
	}

	row := rowFromLicense(l, req)
	if err := e.store.InsertLicense(ctx, row); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}
	for _, fid := range req.FeatureIDs {
		lf := store.LicenseFeature{
			ProductID: req.ProductID,
			FeatureID: fid,
			LicenseID: row.ID,
			Enabled:   true,
		}
		if err := e.store.UpsertLicenseFeature(ctx, lf); err != nil {
			return nil, fmt.Errorf("persist license feature: %w", err)
		}
	}

	env, err := e.codec.Encode(l, e.secrets.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("encode license: %w", err)
	}

	e.logger.InfoContext(ctx, "license generated",
		slog.String("license_id", row.ID.String()),
		slog.String("type", string(row.Type)))
	return &Generated{Envelope: env, ID: row.ID, Key: row.Key}, nil
}

func (e *Engine) buildLicense(req GenerateRequest) (license.License, error) {
	switch req.Type {
	case license.TypeStandard:
		l := license.NewStandard(req.UserName)
		l.ExpirationDate = req.ExpirationDate
		return l, nil
	case license.TypeTrial:
		return license.NewTrial(req.TrialPeriod)
	case license.TypeNodeLocked:
		l := license.NewNodeLocked(req.HardwareID)
		l.ExpirationDate = req.ExpirationDate
		return l, nil
	case license.TypeSubscription:
		start := req.SubscriptionStart
		if start.IsZero() {
			start = e.now()
		}
		return license.NewSubscription(req.UserName, start, req.SubscriptionDuration)
	case license.TypeFloating:
		l := license.NewFloating(req.UserName, req.MaxActiveUsers)
		l.ExpirationDate = req.ExpirationDate
		return l, nil
	case license.TypeConcurrent:
		l := license.NewConcurrent(req.UserName, req.MaxActiveUsers)
		l.ExpirationDate = req.ExpirationDate
		return l, nil
	default:
		return nil, fmt.Errorf("%w: unknown license type %q", apperrors.ErrBadRequest, req.Type)
	}
}

func rowFromLicense(l license.License, req GenerateRequest) *store.LicenseRow {
	base := l.Common()
	if req.Issuer != "" {
		base.Issuer = req.Issuer
	}
	row := &store.LicenseRow{
		ID:             base.ID,
		Key:            base.Key,
		Type:           l.LicenseType(),
		IssuedOn:       base.IssuedOn,
		ExpirationDate: base.ExpirationDate,
		Issuer:         req.Issuer,
		Status:         store.StatusActive,
		ProductID:      req.ProductID,
	}
	switch v := l.(type) {
	case *license.Standard:
		row.IssuedTo = v.UserName
	case *license.NodeLocked:
		row.HardwareID = v.HardwareID
	case *license.Subscription:
		row.IssuedTo = v.UserName
		end := v.SubscriptionEnd()
		row.SubscriptionExpiryDate = &end
	case *license.Floating:
		row.IssuedTo = v.UserName
		row.MaxActiveUsers = v.MaxActiveUsers
	case *license.Concurrent:
		row.IssuedTo = v.UserName
		row.MaxActiveUsers = v.MaxActiveUsers
	}
	return row
}

// Validate checks a license key against the persisted record and, when an
// envelope is supplied, cross-checks the envelope contents against it.
// Expiry observed here is persisted before returning.
func (e *Engine) Validate(ctx context.Context, key string, env []byte, params license.Params) Result {
	ctx, span := e.tracer.Start(ctx, "activation.Validate")
	defer span.End()

	var res Result
	row, err := e.store.FindLicenseByKey(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			res = fail(StatusNotFound, nil, err)
		} else {
			res = fail(StatusInvalid, nil, err)
		}
	} else {
		lockErr := e.store.WithLicenseLock(ctx, row.ID, func(ctx context.Context) error {
			locked, err := e.store.FindLicenseByID(ctx, row.ID)
			if err != nil {
				res = fail(StatusNotFound, nil, err)
				return nil
			}
			res = e.validateRow(ctx, locked, env, params)
			return nil
		})
		if lockErr != nil {
			res = fail(StatusInvalid, row, fmt.Errorf("license lock: %w", lockErr))
		}
	}
	if e.metrics != nil {
		e.metrics.ValidationChecks.Add(ctx, 1)
		if !res.OK() {
			e.metrics.ValidationFailures.Add(ctx, 1)
		}
	}
	return res
}

func (e *Engine) validateRow(ctx context.Context, row *store.LicenseRow, env []byte, params license.Params) Result {
	now := e.now()
	if row.Status == store.StatusExpired ||
		(row.ExpirationDate != nil && row.ExpirationDate.Before(now)) {
		if row.Status != store.StatusExpired {
			row.Status = store.StatusExpired
			if err := e.store.UpdateLicense(ctx, row); err != nil {
				return fail(StatusInvalid, row, fmt.Errorf("persist expiry: %w", err))
			}
		}
		return fail(StatusExpired, row, apperrors.ErrExpired)
	}
	if row.Status == store.StatusRevoked {
		return fail(StatusRevoked, row, apperrors.ErrRevoked)
	}
	if env == nil {
		return Result{Status: StatusValid, Row: row}
	}

	decoded, err := e.codec.Decode(env, e.secrets.PublicKey)
	if err != nil {
		return fail(StatusInvalid, row, err)
	}
	if err := e.crossCheck(decoded, row, params); err != nil {
		return fail(StatusInvalid, row, err)
	}
	return Result{Status: StatusValid, Row: row}
}

// crossCheck verifies the decoded envelope belongs to the persisted row and
// that the caller-supplied parameters match the variant's bindings.
func (e *Engine) crossCheck(decoded license.License, row *store.LicenseRow, params license.Params) error {
	if decoded.LicenseType() != row.Type {
		return fmt.Errorf("%w: envelope type %q does not match record", apperrors.ErrInvalidFormat, decoded.LicenseType())
	}
	base := decoded.Common()
	if base.ID != row.ID {
		return fmt.Errorf("%w: envelope id does not match record", apperrors.ErrInvalidFormat)
	}
	if !base.IssuedOn.Equal(row.IssuedOn) {
		return fmt.Errorf("%w: envelope issue date does not match record", apperrors.ErrInvalidFormat)
	}

	switch v := decoded.(type) {
	case *license.NodeLocked:
		if v.HardwareID != params.HardwareID {
			return apperrors.ErrHardwareMismatch
		}
	case *license.Standard:
		if v.Key != params.LicenseKey || v.UserName != params.UserName {
			return fmt.Errorf("%w: identity does not match", apperrors.ErrUserMismatch)
		}
	case *license.Subscription:
		if row.SubscriptionExpiryDate == nil || v.SubscriptionEnd().After(*row.SubscriptionExpiryDate) {
			return fmt.Errorf("%w: envelope outlives the subscription", apperrors.ErrInvalidFormat)
		}
	case *license.Floating:
		if v.MaxActiveUsers != row.MaxActiveUsers || v.UserName != row.IssuedTo {
			return fmt.Errorf("%w: seat pool does not match record", apperrors.ErrUserMismatch)
		}
	case *license.Concurrent:
		if v.MaxActiveUsers != row.MaxActiveUsers || v.UserName != row.IssuedTo {
			return fmt.Errorf("%w: seat pool does not match record", apperrors.ErrUserMismatch)
		}
	}
	return nil
}

// Activate claims the license for a machine. Seat-counted variants insert
// an activation row under the license lock so the cap cannot be exceeded by
// concurrent callers.
func (e *Engine) Activate(ctx context.Context, key, hardwareID string) Result {
	ctx, span := e.tracer.Start(ctx, "activation.Activate")
	defer span.End()

	started := e.now()
	if e.metrics != nil {
		e.metrics.ActivationAttempts.Add(ctx, 1)
	}

	row, err := e.store.FindLicenseByKey(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fail(StatusNotFound, nil, err)
		}
		return fail(StatusInvalid, nil, err)
	}

	var res Result
	lockErr := e.store.WithLicenseLock(ctx, row.ID, func(ctx context.Context) error {
		row, err := e.store.FindLicenseByKey(ctx, key)
		if err != nil {
			res = fail(StatusNotFound, nil, err)
			return nil
		}
		if r := e.validateRow(ctx, row, nil, license.Params{}); !r.OK() {
			res = r
			return nil
		}
		res = e.activateLocked(ctx, row, hardwareID)
		return nil
	})
	if lockErr != nil {
		return fail(StatusInvalid, row, fmt.Errorf("license lock: %w", lockErr))
	}
	if res.OK() {
		if e.metrics != nil {
			e.metrics.ActivationSuccess.Add(ctx, 1)
			e.metrics.ActivationDuration.Record(ctx, e.now().Sub(started).Seconds())
		}
		e.logger.InfoContext(ctx, "license activated",
			slog.String("license_id", row.ID.String()),
			slog.String("type", string(row.Type)))
	}
	return res
}

func (e *Engine) activateLocked(ctx context.Context, row *store.LicenseRow, hardwareID string) Result {
	now := e.now()
	switch row.Type {
	case license.TypeStandard, license.TypeTrial:
		row.Status = store.StatusActive
	case license.TypeNodeLocked:
		row.HardwareID = hardwareID
		row.Status = store.StatusActive
	case license.TypeSubscription:
		if row.SubscriptionExpiryDate == nil || row.SubscriptionExpiryDate.Before(now) {
			return fail(StatusExpired, row, apperrors.ErrExpired)
		}
		row.Status = store.StatusActive
	case license.TypeConcurrent, license.TypeFloating:
		count, err := e.store.CountActivations(ctx, row.ID)
		if err != nil {
			return fail(StatusInvalid, row, fmt.Errorf("count activations: %w", err))
		}
		if count >= row.MaxActiveUsers {
			return fail(StatusInvalid, row, apperrors.ErrMaxActivations)
		}
		a := &store.Activation{
			ID:              uuid.New(),
			LicenseID:       row.ID,
			MachineID:       hardwareID,
			ActivatedAt:     now,
			LastHeartbeatAt: now,
		}
		if err := e.store.InsertActivation(ctx, a); err != nil {
			return fail(StatusInvalid, row, fmt.Errorf("insert activation: %w", err))
		}
		row.ActiveUsers = count + 1
		row.Status = store.StatusActive
	default:
		return fail(StatusInvalid, row, fmt.Errorf("%w: unknown license type %q", apperrors.ErrInvalidFormat, row.Type))
	}
	if err := e.store.UpdateLicense(ctx, row); err != nil {
		return fail(StatusInvalid, row, fmt.Errorf("persist license: %w", err))
	}
	return Result{Status: StatusValid, Row: row}
}

// Revoke releases a machine's seat for seat-counted variants and marks the
// license Revoked for the rest.
func (e *Engine) Revoke(ctx context.Context, key, hardwareID string) Result {
	ctx, span := e.tracer.Start(ctx, "activation.Revoke")
	defer span.End()
	return e.revoke(ctx, key, hardwareID, false)
}

// DisconnectConcurrent releases a Concurrent seat. Any other variant is
// rejected.
func (e *Engine) DisconnectConcurrent(ctx context.Context, key, hardwareID string) Result {
	ctx, span := e.tracer.Start(ctx, "activation.DisconnectConcurrent")
	defer span.End()
	return e.revoke(ctx, key, hardwareID, true)
}

func (e *Engine) revoke(ctx context.Context, key, hardwareID string, concurrentOnly bool) Result {
	row, err := e.store.FindLicenseByKey(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fail(StatusNotFound, nil, err)
		}
		return fail(StatusInvalid, nil, err)
	}
	if concurrentOnly && row.Type != license.TypeConcurrent {
		return fail(StatusInvalid, row,
			fmt.Errorf("%w: disconnect applies to concurrent licenses only", apperrors.ErrInvalidFormat))
	}

	var res Result
	lockErr := e.store.WithLicenseLock(ctx, row.ID, func(ctx context.Context) error {
		row, err := e.store.FindLicenseByKey(ctx, key)
		if err != nil {
			res = fail(StatusNotFound, nil, err)
			return nil
		}
		res = e.revokeLocked(ctx, row, hardwareID)
		return nil
	})
	if lockErr != nil {
		return fail(StatusInvalid, row, fmt.Errorf("license lock: %w", lockErr))
	}
	if res.OK() {
		e.logger.InfoContext(ctx, "license revoked",
			slog.String("license_id", row.ID.String()),
			slog.String("type", string(row.Type)))
	}
	return res
}

func (e *Engine) revokeLocked(ctx context.Context, row *store.LicenseRow, hardwareID string) Result {
	switch row.Type {
	case license.TypeConcurrent, license.TypeFloating:
		a, err := e.store.FindActivation(ctx, row.ID, hardwareID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return fail(StatusNotFound, row, err)
			}
			return fail(StatusInvalid, row, fmt.Errorf("find activation: %w", err))
		}
		if err := e.store.RemoveActivation(ctx, a.ID); err != nil {
			return fail(StatusInvalid, row, fmt.Errorf("remove activation: %w", err))
		}
		if row.ActiveUsers > 0 {
			row.ActiveUsers--
		}
	case license.TypeNodeLocked:
		row.HardwareID = ""
		row.Status = store.StatusRevoked
	default:
		row.Status = store.StatusRevoked
	}
	if err := e.store.UpdateLicense(ctx, row); err != nil {
		return fail(StatusInvalid, row, fmt.Errorf("persist license: %w", err))
	}
	return Result{Status: StatusValid, Row: row}
}

// Renew extends a Subscription license to newExpiration and re-emits a
// fresh envelope carrying the extended window. newExpiration must lie
// strictly beyond both the clock and the current expiry.
func (e *Engine) Renew(ctx context.Context, key string, newExpiration time.Time) ([]byte, Result) {
	ctx, span := e.tracer.Start(ctx, "activation.Renew")
	defer span.End()

	row, err := e.store.FindLicenseByKey(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fail(StatusNotFound, nil, err)
		}
		return nil, fail(StatusInvalid, nil, err)
	}

	var env []byte
	var res Result
	lockErr := e.store.WithLicenseLock(ctx, row.ID, func(ctx context.Context) error {
		row, err := e.store.FindLicenseByKey(ctx, key)
		if err != nil {
			res = fail(StatusNotFound, nil, err)
			return nil
		}
		env, res = e.renewLocked(ctx, row, newExpiration)
		return nil
	})
	if lockErr != nil {
		return nil, fail(StatusInvalid, row, fmt.Errorf("license lock: %w", lockErr))
	}
	if res.OK() {
		e.logger.InfoContext(ctx, "license renewed",
			slog.String("license_id", row.ID.String()),
			slog.Time("expires", newExpiration))
	}
	return env, res
}

func (e *Engine) renewLocked(ctx context.Context, row *store.LicenseRow, newExpiration time.Time) ([]byte, Result) {
	if row.Type != license.TypeSubscription {
		return nil, fail(StatusInvalid, row,
			fmt.Errorf("%w: renewal applies to subscription licenses only", apperrors.ErrBadRequest))
	}
	if row.Status == store.StatusRevoked {
		return nil, fail(StatusRevoked, row, apperrors.ErrRevoked)
	}
	now := e.now()
	if !newExpiration.After(now) {
		return nil, fail(StatusInvalid, row,
			fmt.Errorf("%w: new expiration must be in the future", apperrors.ErrBadRequest))
	}
	if row.SubscriptionExpiryDate != nil && !newExpiration.After(*row.SubscriptionExpiryDate) {
		return nil, fail(StatusInvalid, row,
			fmt.Errorf("%w: new expiration must extend the subscription", apperrors.ErrBadRequest))
	}

	exp := newExpiration.UTC()
	row.SubscriptionExpiryDate = &exp
	row.ExpirationDate = &exp
	row.Status = store.StatusActive
	if err := e.store.UpdateLicense(ctx, row); err != nil {
		return nil, fail(StatusInvalid, row, fmt.Errorf("persist license: %w", err))
	}

	sub, err := license.NewSubscription(row.IssuedTo, row.IssuedOn, exp.Sub(row.IssuedOn))
	if err != nil {
		return nil, fail(StatusInvalid, row, err)
	}
	sub.ID = row.ID
	sub.Key = row.Key
	sub.IssuedOn = row.IssuedOn
	sub.Issuer = row.Issuer

	env, err := e.codec.Encode(sub, e.secrets.PrivateKey)
	if err != nil {
		return nil, fail(StatusInvalid, row, fmt.Errorf("encode license: %w", err))
	}
	return env, Result{Status: StatusValid, Row: row}
}

// Heartbeat refreshes the machine's activation. It reports false when no
// matching activation exists, which the caller maps to NotFound.
func (e *Engine) Heartbeat(ctx context.Context, key, machineID string) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "activation.Heartbeat")
	defer span.End()

	if e.metrics != nil {
		e.metrics.Heartbeats.Add(ctx, 1)
	}
	row, err := e.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return false, err
	}
	return e.store.TouchActivation(ctx, row.ID, machineID, e.now())
}

// Activations lists the live activations of a license.
func (e *Engine) Activations(ctx context.Context, key string) ([]store.Activation, error) {
	row, err := e.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.store.ListActivations(ctx, row.ID)
}
