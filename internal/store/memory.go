package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "licensor/internal/errors"
)

// Memory is an in-process Store used by tests and by single-binary setups
// that do not need durability.
type Memory struct {
	mu          sync.RWMutex
	products    map[uuid.UUID]Product
	featureDefs map[uuid.UUID]FeatureDef
	licenses    map[uuid.UUID]*LicenseRow
	byKey       map[string]uuid.UUID
	activations map[uuid.UUID]*Activation
	features    map[[2]uuid.UUID]LicenseFeature

	lockMu sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		products:    make(map[uuid.UUID]Product),
		featureDefs: make(map[uuid.UUID]FeatureDef),
		licenses:    make(map[uuid.UUID]*LicenseRow),
		byKey:       make(map[string]uuid.UUID),
		activations: make(map[uuid.UUID]*Activation),
		features:    make(map[[2]uuid.UUID]LicenseFeature),
		locks:       make(map[uuid.UUID]*sync.Mutex),
	}
}

func (m *Memory) ProductExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.products[id]
	return ok, nil
}

func (m *Memory) InsertProduct(_ context.Context, p Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) FeaturesExist(_ context.Context, ids []uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range ids {
		if _, ok := m.featureDefs[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *Memory) InsertFeatureDef(_ context.Context, f FeatureDef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.featureDefs[f.ID] = f
	return nil
}

func (m *Memory) FindLicenseByKey(_ context.Context, key string) (*LicenseRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: license", apperrors.ErrNotFound)
	}
	row := *m.licenses[id]
	return &row, nil
}

func (m *Memory) FindLicenseByID(_ context.Context, id uuid.UUID) (*LicenseRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.licenses[id]
	if !ok {
		return nil, fmt.Errorf("%w: license", apperrors.ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (m *Memory) InsertLicense(_ context.Context, row *LicenseRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[row.Key]; ok {
		return fmt.Errorf("license key already exists: %s", row.Key)
	}
	cp := *row
	m.licenses[row.ID] = &cp
	m.byKey[row.Key] = row.ID
	return nil
}

func (m *Memory) UpdateLicense(_ context.Context, row *LicenseRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.licenses[row.ID]
	if !ok {
		return fmt.Errorf("%w: license", apperrors.ErrNotFound)
	}
	delete(m.byKey, existing.Key)
	cp := *row
	m.licenses[row.ID] = &cp
	m.byKey[row.Key] = row.ID
	return nil
}

func (m *Memory) CountActivations(_ context.Context, licenseID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.activations {
		if a.LicenseID == licenseID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FindActivation(_ context.Context, licenseID uuid.UUID, machineID string) (*Activation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.activations {
		if a.LicenseID == licenseID && a.MachineID == machineID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: activation", apperrors.ErrNotFound)
}

func (m *Memory) ListActivations(_ context.Context, licenseID uuid.UUID) ([]Activation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Activation
	for _, a := range m.activations {
		if a.LicenseID == licenseID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *Memory) InsertActivation(_ context.Context, a *Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.activations {
		if existing.LicenseID == a.LicenseID && existing.MachineID == a.MachineID {
			return fmt.Errorf("activation already exists for machine %s", a.MachineID)
		}
	}
	cp := *a
	m.activations[a.ID] = &cp
	return nil
}

func (m *Memory) RemoveActivation(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activations, id)
	return nil
}

func (m *Memory) TouchActivation(_ context.Context, licenseID uuid.UUID, machineID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activations {
		if a.LicenseID == licenseID && a.MachineID == machineID {
			a.LastHeartbeatAt = at
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) SelectStaleActivations(_ context.Context, threshold time.Time) ([]Activation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Activation
	for _, a := range m.activations {
		if a.LastHeartbeatAt.Before(threshold) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *Memory) UpsertLicenseFeature(_ context.Context, lf LicenseFeature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[[2]uuid.UUID{lf.ProductID, lf.FeatureID}] = lf
	return nil
}

// LicenseFeatures returns the stored feature links for a license, for
// inspection in tests.
func (m *Memory) LicenseFeatures(licenseID uuid.UUID) []LicenseFeature {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LicenseFeature
	for _, lf := range m.features {
		if lf.LicenseID == licenseID {
			out = append(out, lf)
		}
	}
	return out
}

func (m *Memory) WithLicenseLock(ctx context.Context, licenseID uuid.UUID, fn func(ctx context.Context) error) error {
	m.lockMu.Lock()
	l, ok := m.locks[licenseID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[licenseID] = l
	}
	m.lockMu.Unlock()

	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
