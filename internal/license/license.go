// Package license defines the license model: the six license variants over a
// shared base, the typed feature union, and the pluggable text serializer.
package license

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "licensor/internal/errors"
)

// Type identifies a license variant.
type Type string

const (
	TypeStandard     Type = "Standard"
	TypeTrial        Type = "Trial"
	TypeNodeLocked   Type = "NodeLocked"
	TypeSubscription Type = "Subscription"
	TypeFloating     Type = "Floating"
	TypeConcurrent   Type = "Concurrent"
)

// KnownTypes lists every license variant in wire order.
var KnownTypes = []Type{
	TypeStandard, TypeTrial, TypeNodeLocked,
	TypeSubscription, TypeFloating, TypeConcurrent,
}

// Valid reports whether t names a known variant.
func (t Type) Valid() bool {
	switch t {
	case TypeStandard, TypeTrial, TypeNodeLocked, TypeSubscription, TypeFloating, TypeConcurrent:
		return true
	}
	return false
}

// License is the tagged sum over the six variants. Concrete values are
// *Standard, *Trial, *NodeLocked, *Subscription, *Floating, *Concurrent;
// dispatch is by type switch.
type License interface {
	Common() *Base
	LicenseType() Type
}

// Base carries the attributes shared by every variant.
type Base struct {
	ID             uuid.UUID
	Key            string
	IssuedOn       time.Time
	ExpirationDate *time.Time
	Issuer         string
	Features       map[string]Feature
}

// Common returns the shared attributes.
func (b *Base) Common() *Base { return b }

// SetKey overrides the generated license key. Intended before first save.
func (b *Base) SetKey(key string) { b.Key = key }

// SetExpiration sets the expiry timestamp.
func (b *Base) SetExpiration(t time.Time) error {
	u := t.UTC()
	b.ExpirationDate = &u
	return nil
}

// Feature returns the named feature and whether it exists. Lookup is
// case-sensitive and exact.
func (b *Base) Feature(name string) (Feature, bool) {
	f, ok := b.Features[name]
	return f, ok
}

// SetFeature installs or replaces a feature entry.
func (b *Base) SetFeature(name string, f Feature) {
	if b.Features == nil {
		b.Features = make(map[string]Feature)
	}
	b.Features[name] = f
}

// Expired reports whether the license carries an expiry at or before now.
func (b *Base) Expired(now time.Time) bool {
	return b.ExpirationDate != nil && !b.ExpirationDate.After(now)
}

func newBase() Base {
	return Base{
		ID:       uuid.New(),
		Key:      uuid.NewString(),
		IssuedOn: time.Now().UTC(),
		Features: make(map[string]Feature),
	}
}

// Standard is a plain per-user license.
type Standard struct {
	Base
	UserName string
}

// NewStandard constructs a Standard license for the named user.
func NewStandard(userName string) *Standard {
	return &Standard{Base: newBase(), UserName: userName}
}

func (l *Standard) LicenseType() Type { return TypeStandard }

// Trial is a time-boxed evaluation license. Its expiry is derived from the
// trial period at construction and cannot be overridden afterwards.
type Trial struct {
	Base
	TrialPeriod time.Duration
}

// NewTrial constructs a Trial license expiring trialPeriod after issuance.
func NewTrial(trialPeriod time.Duration) (*Trial, error) {
	if trialPeriod <= 0 {
		return nil, fmt.Errorf("%w: trial period must be positive", apperrors.ErrBadRequest)
	}
	l := &Trial{Base: newBase(), TrialPeriod: trialPeriod}
	exp := l.IssuedOn.Add(trialPeriod)
	l.Base.ExpirationDate = &exp
	return l, nil
}

func (l *Trial) LicenseType() Type { return TypeTrial }

// SetExpiration rejects overrides; a trial's expiry is issued_on + period.
func (l *Trial) SetExpiration(time.Time) error {
	return fmt.Errorf("%w: trial expiration is derived from the trial period", apperrors.ErrBadRequest)
}

// NodeLocked binds a license to one machine fingerprint.
type NodeLocked struct {
	Base
	HardwareID string
}

// NewNodeLocked constructs a NodeLocked license bound to hardwareID.
func NewNodeLocked(hardwareID string) *NodeLocked {
	return &NodeLocked{Base: newBase(), HardwareID: hardwareID}
}

func (l *NodeLocked) LicenseType() Type { return TypeNodeLocked }

// Subscription is a per-user license covering a fixed subscription window.
type Subscription struct {
	Base
	UserName             string
	SubscriptionStart    time.Time
	SubscriptionDuration time.Duration
}

// NewSubscription constructs a Subscription license; the expiry is pinned to
// start + duration.
func NewSubscription(userName string, start time.Time, duration time.Duration) (*Subscription, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: subscription duration must be positive", apperrors.ErrBadRequest)
	}
	l := &Subscription{
		Base:                 newBase(),
		UserName:             userName,
		SubscriptionStart:    start.UTC(),
		SubscriptionDuration: duration,
	}
	exp := l.SubscriptionStart.Add(duration)
	l.Base.ExpirationDate = &exp
	return l, nil
}

func (l *Subscription) LicenseType() Type { return TypeSubscription }

// SubscriptionEnd returns start + duration.
func (l *Subscription) SubscriptionEnd() time.Time {
	return l.SubscriptionStart.Add(l.SubscriptionDuration)
}

// Floating grants a pool of seats checked out through the license server.
type Floating struct {
	Base
	UserName       string
	MaxActiveUsers int
}

// NewFloating constructs a Floating license with the given seat capacity.
func NewFloating(userName string, maxActiveUsers int) *Floating {
	return &Floating{Base: newBase(), UserName: userName, MaxActiveUsers: maxActiveUsers}
}

func (l *Floating) LicenseType() Type { return TypeFloating }

// Concurrent grants a pool of seats kept alive by client heartbeats.
type Concurrent struct {
	Base
	UserName       string
	MaxActiveUsers int
}

// NewConcurrent constructs a Concurrent license with the given seat capacity.
func NewConcurrent(userName string, maxActiveUsers int) *Concurrent {
	return &Concurrent{Base: newBase(), UserName: userName, MaxActiveUsers: maxActiveUsers}
}

func (l *Concurrent) LicenseType() Type { return TypeConcurrent }
