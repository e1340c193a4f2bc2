// Package services exposes the application-facing licensing operations to
// the transport layer.
package services

import (
	"context"
	"log/slog"
	"time"

	"licensor/internal/activation"
	"licensor/internal/crypto"
	"licensor/internal/license"
	"licensor/internal/store"
)

// LicenseService is the operation surface the HTTP layer talks to.
type LicenseService interface {
	Generate(ctx context.Context, req activation.GenerateRequest) (*activation.Generated, error)
	Validate(ctx context.Context, key string, env []byte, params license.Params) activation.Result
	Activate(ctx context.Context, key, hardwareID string) activation.Result
	Revoke(ctx context.Context, key, hardwareID string) activation.Result
	Disconnect(ctx context.Context, key, hardwareID string) activation.Result
	Renew(ctx context.Context, key string, newExpiration time.Time) ([]byte, activation.Result)
	Heartbeat(ctx context.Context, key, machineID string) (bool, error)
	Activations(ctx context.Context, key string) ([]store.Activation, error)
	Health(ctx context.Context) HealthStatus
}

// HealthStatus reports the service's dependencies.
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	Store         string `json:"store"`
	SecretsLoaded bool   `json:"secrets_loaded"`
}

type licenseService struct {
	engine  *activation.Engine
	store   store.Store
	secrets *crypto.Secrets
	logger  *slog.Logger
}

// NewLicenseService wires the activation engine behind the service
// interface.
func NewLicenseService(engine *activation.Engine, st store.Store, secrets *crypto.Secrets, logger *slog.Logger) LicenseService {
	return &licenseService{
		engine:  engine,
		store:   st,
		secrets: secrets,
		logger:  logger.With(slog.String("service", "license")),
	}
}

func (s *licenseService) Generate(ctx context.Context, req activation.GenerateRequest) (*activation.Generated, error) {
	return s.engine.Generate(ctx, req)
}

func (s *licenseService) Validate(ctx context.Context, key string, env []byte, params license.Params) activation.Result {
	return s.engine.Validate(ctx, key, env, params)
}

func (s *licenseService) Activate(ctx context.Context, key, hardwareID string) activation.Result {
	return s.engine.Activate(ctx, key, hardwareID)
}

func (s *licenseService) Revoke(ctx context.Context, key, hardwareID string) activation.Result {
	return s.engine.Revoke(ctx, key, hardwareID)
}

func (s *licenseService) Disconnect(ctx context.Context, key, hardwareID string) activation.Result {
	return s.engine.DisconnectConcurrent(ctx, key, hardwareID)
}

func (s *licenseService) Renew(ctx context.Context, key string, newExpiration time.Time) ([]byte, activation.Result) {
	return s.engine.Renew(ctx, key, newExpiration)
}

func (s *licenseService) Heartbeat(ctx context.Context, key, machineID string) (bool, error) {
	return s.engine.Heartbeat(ctx, key, machineID)
}

func (s *licenseService) Activations(ctx context.Context, key string) ([]store.Activation, error) {
	return s.engine.Activations(ctx, key)
}

func (s *licenseService) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Store:         "ok",
		SecretsLoaded: s.secrets != nil && s.secrets.PrivateKey != nil,
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.ErrorContext(ctx, "store unreachable", slog.String("error", err.Error()))
		status.Store = "unreachable"
	}
	status.Healthy = status.Store == "ok" && status.SecretsLoaded
	return status
}
