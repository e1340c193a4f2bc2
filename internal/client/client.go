// Package client is the application-side license manager: it loads and
// saves license envelopes, validates them offline or against the licensing
// server, publishes the current license to the feature manager, and keeps a
// single heartbeat task alive for concurrent licenses.
package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"licensor/internal/envelope"
	apperrors "licensor/internal/errors"
	"licensor/internal/features"
	"licensor/internal/hardware"
	"licensor/internal/license"
	"licensor/internal/validation"
)

// Mode selects how Load validates the license.
type Mode int

const (
	// Offline validates with the local rule registry.
	Offline Mode = iota
	// Online validates against the licensing server.
	Online
)

// DefaultHeartbeatInterval is how often the heartbeat task reports a
// concurrent seat as alive.
const DefaultHeartbeatInterval = 5 * time.Minute

// LoadResult is the outcome of loading a license.
type LoadResult struct {
	Status  validation.Status
	License license.License
	Err     error
}

// OK reports whether the license loaded as Valid.
func (r LoadResult) OK() bool { return r.Status == validation.StatusValid }

// Manager owns the process-wide current license and its heartbeat task.
// Configure it before the first Load; the registry and codec are read-only
// afterwards.
type Manager struct {
	codec    *envelope.Codec
	registry *validation.Registry
	hardware hardware.Identifier
	features *features.Manager
	logger   *slog.Logger

	endpoint string
	interval time.Duration
	apiKey   string
	http     *http.Client

	mu       sync.Mutex
	current  license.License
	stopBeat context.CancelFunc
	beatDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithEndpoint sets the licensing server base URL. A trailing slash is
// trimmed.
func WithEndpoint(endpoint string) Option {
	return func(m *Manager) { m.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithHeartbeatInterval sets the heartbeat cadence. Non-positive values are
// ignored.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithAPIKey sets the key sent as X-Api-Key on server calls.
func WithAPIKey(key string) Option {
	return func(m *Manager) { m.apiKey = key }
}

// WithHTTPClient overrides the HTTP client used for server calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.http = c }
}

// WithCodec overrides the envelope codec, letting callers plug a custom
// serializer.
func WithCodec(c *envelope.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithHardware overrides the hardware identifier.
func WithHardware(hw hardware.Identifier) Option {
	return func(m *Manager) { m.hardware = hw }
}

// WithRegistry overrides the validation registry.
func WithRegistry(r *validation.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// NewManager builds a client license manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		codec:    envelope.NewCodec(nil),
		hardware: hardware.NewDefaultIdentifier(),
		features: features.NewManager(),
		logger:   logger,
		interval: DefaultHeartbeatInterval,
		http:     &http.Client{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = validation.NewRegistry(m.hardware)
	}
	if m.http.Timeout == 0 {
		m.http.Timeout = m.interval
	}
	return m
}

// Features exposes the feature manager fed by Load.
func (m *Manager) Features() *features.Manager { return m.features }

// Registry exposes the validation registry for rule registration before the
// first Load.
func (m *Manager) Registry() *validation.Registry { return m.registry }

// Current returns the current license, or nil.
func (m *Manager) Current() license.License {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Save encodes the license with priv and, when path is non-empty, writes
// the envelope there.
func (m *Manager) Save(l license.License, path string, priv *rsa.PrivateKey) ([]byte, error) {
	env, err := m.codec.Encode(l, priv)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := os.WriteFile(path, env, 0o600); err != nil {
			return nil, fmt.Errorf("write license file: %w", err)
		}
	}
	return env, nil
}

// LoadFile reads the envelope at path and loads it. See Load.
func (m *Manager) LoadFile(ctx context.Context, path string, pub *rsa.PublicKey, mode Mode, params *license.Params) LoadResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{Status: validation.StatusInvalid, Err: fmt.Errorf("read license file: %w", err)}
	}
	return m.Load(ctx, data, pub, mode, params)
}

// Load decodes the envelope and validates it in the given mode. On success
// the license becomes current, its features are published, and concurrent
// licenses get a heartbeat task.
func (m *Manager) Load(ctx context.Context, data []byte, pub *rsa.PublicKey, mode Mode, params *license.Params) LoadResult {
	l, err := m.codec.Decode(data, pub)
	if err != nil {
		return LoadResult{Status: validation.StatusInvalid, Err: err}
	}
	p := license.DeriveParams(l)
	if params != nil {
		p = *params
	}

	var res LoadResult
	switch mode {
	case Online:
		res = m.validateOnline(ctx, l, p, data)
	default:
		r := m.registry.Validate(l, p)
		res = LoadResult{Status: r.Status, License: l, Err: r.Err}
	}
	if !res.OK() {
		return res
	}

	m.mu.Lock()
	m.current = l
	m.features.Publish(l)
	if l.LicenseType() == license.TypeConcurrent && m.stopBeat == nil {
		m.startHeartbeatLocked(l)
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "license loaded",
		slog.String("type", string(l.LicenseType())),
		slog.String("license_id", l.Common().ID.String()))
	return res
}

func (m *Manager) validateOnline(ctx context.Context, l license.License, p license.Params, env []byte) LoadResult {
	invalid := func(err error) LoadResult {
		return LoadResult{Status: validation.StatusInvalid, License: l, Err: err}
	}

	paramsJSON, err := json.Marshal(p)
	if err != nil {
		return invalid(fmt.Errorf("encode validation params: %w", err))
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("licenseKey", l.Common().Key); err != nil {
		return invalid(fmt.Errorf("build validation request: %w", err))
	}
	if err := w.WriteField("validationParams", string(paramsJSON)); err != nil {
		return invalid(fmt.Errorf("build validation request: %w", err))
	}
	fw, err := w.CreateFormFile("licenseFile", "license.lic")
	if err != nil {
		return invalid(fmt.Errorf("build validation request: %w", err))
	}
	if _, err := fw.Write(env); err != nil {
		return invalid(fmt.Errorf("build validation request: %w", err))
	}
	if err := w.Close(); err != nil {
		return invalid(fmt.Errorf("build validation request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/validate", &body)
	if err != nil {
		return invalid(fmt.Errorf("%w: %v", apperrors.ErrValidation, err))
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	m.authorize(req)

	resp, err := m.http.Do(req)
	if err != nil {
		return invalid(fmt.Errorf("%w: %v", apperrors.ErrValidation, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return invalid(fmt.Errorf("%w: server rejected license: %s",
			apperrors.ErrValidation, strings.TrimSpace(string(msg))))
	}
	return LoadResult{Status: validation.StatusValid, License: l}
}

// Close stops the heartbeat task, disconnects a concurrent seat from the
// server, and clears the current license.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	current := m.current
	stop, done := m.stopBeat, m.beatDone
	m.stopBeat, m.beatDone = nil, nil
	m.current = nil
	m.features.Clear()
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if current == nil || current.LicenseType() != license.TypeConcurrent {
		return nil
	}
	return m.disconnect(ctx, current)
}

func (m *Manager) disconnect(ctx context.Context, l license.License) error {
	machineID, err := m.hardware.Get()
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrHeartbeat, err)
	}
	q := url.Values{}
	q.Set("licenseKey", l.Common().Key)
	q.Set("hardwareId", machineID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.endpoint+"/disconnect?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrHeartbeat, err)
	}
	m.authorize(req)

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrHeartbeat, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: disconnect returned %d", apperrors.ErrHeartbeat, resp.StatusCode)
	}
	return nil
}

// startHeartbeatLocked launches the single heartbeat goroutine. Callers
// hold m.mu; at most one task exists at a time.
func (m *Manager) startHeartbeatLocked(l license.License) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.stopBeat = cancel
	m.beatDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.sendHeartbeat(ctx, l); err != nil {
					m.logger.ErrorContext(ctx, "heartbeat failed",
						slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (m *Manager) sendHeartbeat(ctx context.Context, l license.License) error {
	machineID, err := m.hardware.Get()
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrHeartbeat, err)
	}
	payload, err := json.Marshal(map[string]string{
		"licenseKey": l.Common().Key,
		"machineId":  machineID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrHeartbeat, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.endpoint+"/heartbeat", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrHeartbeat, err)
	}
	req.Header.Set("Content-Type", "application/json")
	m.authorize(req)

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrHeartbeat, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: heartbeat returned %d", apperrors.ErrHeartbeat, resp.StatusCode)
	}
	return nil
}

func (m *Manager) authorize(req *http.Request) {
	if m.apiKey != "" {
		req.Header.Set("X-Api-Key", m.apiKey)
	}
}
