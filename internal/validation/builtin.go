package validation

import (
	"fmt"

	apperrors "licensor/internal/errors"
	"licensor/internal/license"
)

// builtinRule returns the built-in rule for a variant. Signature and
// integrity are already enforced by the envelope codec before a license
// reaches validation; the rules here check the variant's identity bindings
// and time windows.
func (r *Registry) builtinRule(t license.Type) Rule {
	switch t {
	case license.TypeStandard:
		return RuleFunc(r.validateStandard)
	case license.TypeTrial:
		return RuleFunc(r.validateTrial)
	case license.TypeNodeLocked:
		return RuleFunc(r.validateNodeLocked)
	case license.TypeSubscription:
		return RuleFunc(r.validateSubscription)
	case license.TypeFloating:
		return RuleFunc(r.validateSeatPool)
	case license.TypeConcurrent:
		return RuleFunc(r.validateSeatPool)
	default:
		return RuleFunc(func(l license.License, _ license.Params) Result {
			return FailResult(StatusInvalid, l,
				fmt.Errorf("%w: unknown license type %q", apperrors.ErrInvalidFormat, t))
		})
	}
}

func (r *Registry) validateStandard(l license.License, p license.Params) Result {
	std, ok := l.(*license.Standard)
	if !ok {
		return wrongVariant(l)
	}
	if std.Expired(r.now()) {
		return FailResult(StatusExpired, l, apperrors.ErrExpired)
	}
	if std.UserName != p.UserName {
		return FailResult(StatusInvalid, l,
			fmt.Errorf("%w: user name does not match", apperrors.ErrUserMismatch))
	}
	if std.Key != p.LicenseKey {
		return FailResult(StatusInvalid, l,
			fmt.Errorf("%w: license key does not match", apperrors.ErrUserMismatch))
	}
	return ValidResult(l)
}

func (r *Registry) validateTrial(l license.License, _ license.Params) Result {
	trial, ok := l.(*license.Trial)
	if !ok {
		return wrongVariant(l)
	}
	now := r.now()
	if trial.TrialPeriod <= 0 {
		return FailResult(StatusInvalid, l,
			fmt.Errorf("%w: trial period must be positive", apperrors.ErrBadRequest))
	}
	if trial.Expired(now) || !trial.IssuedOn.Add(trial.TrialPeriod).After(now) {
		return FailResult(StatusExpired, l, apperrors.ErrExpired)
	}
	return ValidResult(l)
}

func (r *Registry) validateNodeLocked(l license.License, p license.Params) Result {
	node, ok := l.(*license.NodeLocked)
	if !ok {
		return wrongVariant(l)
	}
	if node.Expired(r.now()) {
		return FailResult(StatusExpired, l, apperrors.ErrExpired)
	}
	candidate := p.HardwareID
	if candidate == "" {
		candidate = node.HardwareID
	}
	if r.hardware == nil || !r.hardware.Validate(candidate) {
		return FailResult(StatusInvalid, l, apperrors.ErrHardwareMismatch)
	}
	return ValidResult(l)
}

func (r *Registry) validateSubscription(l license.License, _ license.Params) Result {
	sub, ok := l.(*license.Subscription)
	if !ok {
		return wrongVariant(l)
	}
	now := r.now()
	end := sub.SubscriptionEnd()
	if !end.After(now) {
		return FailResult(StatusExpired, l, apperrors.ErrExpired)
	}
	if sub.ExpirationDate == nil || !sub.ExpirationDate.Equal(end) {
		return FailResult(StatusInvalid, l,
			fmt.Errorf("%w: expiration does not cover the subscription window", apperrors.ErrInvalidFormat))
	}
	return ValidResult(l)
}

// validateSeatPool covers Floating and Concurrent: identity and seat
// capacity must match the caller's expectation; seat accounting itself lives
// on the server.
func (r *Registry) validateSeatPool(l license.License, p license.Params) Result {
	var userName string
	var maxUsers int
	switch v := l.(type) {
	case *license.Floating:
		userName, maxUsers = v.UserName, v.MaxActiveUsers
	case *license.Concurrent:
		userName, maxUsers = v.UserName, v.MaxActiveUsers
	default:
		return wrongVariant(l)
	}
	if userName != p.UserName {
		return FailResult(StatusInvalid, l,
			fmt.Errorf("%w: user name does not match", apperrors.ErrUserMismatch))
	}
	if maxUsers != p.MaxActiveUsers {
		return FailResult(StatusInvalid, l,
			fmt.Errorf("%w: seat capacity does not match", apperrors.ErrUserMismatch))
	}
	return ValidResult(l)
}

func wrongVariant(l license.License) Result {
	return FailResult(StatusInvalid, l,
		fmt.Errorf("%w: license payload does not match its declared type", apperrors.ErrInvalidFormat))
}
