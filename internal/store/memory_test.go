package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "licensor/internal/errors"
	"licensor/internal/license"
)

func newRow(t license.Type) *LicenseRow {
	return &LicenseRow{
		ID:       uuid.New(),
		Key:      uuid.NewString(),
		Type:     t,
		IssuedOn: time.Now().UTC(),
		Status:   StatusActive,
	}
}

func TestLicenseInsertAndFind(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	row := newRow(license.TypeStandard)

	require.NoError(t, m.InsertLicense(ctx, row))

	byKey, err := m.FindLicenseByKey(ctx, row.Key)
	require.NoError(t, err)
	assert.Equal(t, row.ID, byKey.ID)

	byID, err := m.FindLicenseByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, row.Key, byID.Key)
}

func TestFindLicenseNotFound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.FindLicenseByKey(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = m.FindLicenseByID(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInsertLicenseRejectsDuplicateKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	row := newRow(license.TypeStandard)
	require.NoError(t, m.InsertLicense(ctx, row))

	dup := newRow(license.TypeStandard)
	dup.Key = row.Key
	assert.Error(t, m.InsertLicense(ctx, dup))
}

func TestUpdateLicense(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	row := newRow(license.TypeConcurrent)
	require.NoError(t, m.InsertLicense(ctx, row))

	row.Status = StatusRevoked
	row.ActiveUsers = 3
	require.NoError(t, m.UpdateLicense(ctx, row))

	got, err := m.FindLicenseByKey(ctx, row.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)
	assert.Equal(t, 3, got.ActiveUsers)
}

func TestUpdateLicenseUnknown(t *testing.T) {
	m := NewMemory()
	err := m.UpdateLicense(context.Background(), newRow(license.TypeStandard))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFindReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	row := newRow(license.TypeStandard)
	require.NoError(t, m.InsertLicense(ctx, row))

	got, err := m.FindLicenseByKey(ctx, row.Key)
	require.NoError(t, err)
	got.Status = StatusRevoked

	again, err := m.FindLicenseByKey(ctx, row.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status, "mutating a returned row must not leak into the store")
}

func TestActivationLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	row := newRow(license.TypeConcurrent)
	require.NoError(t, m.InsertLicense(ctx, row))

	now := time.Now().UTC()
	a := &Activation{
		ID:              uuid.New(),
		LicenseID:       row.ID,
		MachineID:       "machine-1",
		ActivatedAt:     now,
		LastHeartbeatAt: now,
	}
	require.NoError(t, m.InsertActivation(ctx, a))

	count, err := m.CountActivations(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	found, err := m.FindActivation(ctx, row.ID, "machine-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)

	list, err := m.ListActivations(ctx, row.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, m.RemoveActivation(ctx, a.ID))
	count, err = m.CountActivations(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestInsertActivationRejectsDuplicateMachine(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	licenseID := uuid.New()

	require.NoError(t, m.InsertActivation(ctx, &Activation{
		ID: uuid.New(), LicenseID: licenseID, MachineID: "machine-1",
	}))
	err := m.InsertActivation(ctx, &Activation{
		ID: uuid.New(), LicenseID: licenseID, MachineID: "machine-1",
	})
	assert.Error(t, err)

	// The same machine may hold seats on different licenses.
	require.NoError(t, m.InsertActivation(ctx, &Activation{
		ID: uuid.New(), LicenseID: uuid.New(), MachineID: "machine-1",
	}))
}

func TestTouchActivation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	licenseID := uuid.New()
	start := time.Now().UTC()

	require.NoError(t, m.InsertActivation(ctx, &Activation{
		ID: uuid.New(), LicenseID: licenseID, MachineID: "machine-1",
		ActivatedAt: start, LastHeartbeatAt: start,
	}))

	later := start.Add(5 * time.Minute)
	ok, err := m.TouchActivation(ctx, licenseID, "machine-1", later)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := m.FindActivation(ctx, licenseID, "machine-1")
	require.NoError(t, err)
	assert.True(t, found.LastHeartbeatAt.Equal(later))

	ok, err = m.TouchActivation(ctx, licenseID, "unknown-machine", later)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectStaleActivations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	licenseID := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, m.InsertActivation(ctx, &Activation{
		ID: uuid.New(), LicenseID: licenseID, MachineID: "fresh",
		LastHeartbeatAt: now,
	}))
	require.NoError(t, m.InsertActivation(ctx, &Activation{
		ID: uuid.New(), LicenseID: licenseID, MachineID: "stale",
		LastHeartbeatAt: now.Add(-20 * time.Minute),
	}))

	stale, err := m.SelectStaleActivations(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].MachineID)
}

func TestProductsAndFeatureDefs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p := Product{ID: uuid.New(), Name: "suite"}
	require.NoError(t, m.InsertProduct(ctx, p))
	ok, err := m.ProductExists(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.ProductExists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	f1 := FeatureDef{ID: uuid.New(), Name: "export"}
	f2 := FeatureDef{ID: uuid.New(), Name: "reporting"}
	require.NoError(t, m.InsertFeatureDef(ctx, f1))
	require.NoError(t, m.InsertFeatureDef(ctx, f2))

	ok, err = m.FeaturesExist(ctx, []uuid.UUID{f1.ID, f2.ID})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.FeaturesExist(ctx, []uuid.UUID{f1.ID, uuid.New()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertLicenseFeature(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	productID, featureID := uuid.New(), uuid.New()
	first, second := uuid.New(), uuid.New()

	require.NoError(t, m.UpsertLicenseFeature(ctx, LicenseFeature{
		ProductID: productID, FeatureID: featureID, LicenseID: first, Enabled: true,
	}))
	require.NoError(t, m.UpsertLicenseFeature(ctx, LicenseFeature{
		ProductID: productID, FeatureID: featureID, LicenseID: second, Enabled: true,
	}))

	links := m.LicenseFeatures(second)
	require.Len(t, links, 1)
	assert.Empty(t, m.LicenseFeatures(first), "upsert replaces the enabling license")
}

func TestWithLicenseLockSerializes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	licenseID := uuid.New()

	var inside int
	var maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLicenseLock(ctx, licenseID, func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside, "lock must admit one holder at a time")
}

func TestWithLicenseLockHonorsCancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.WithLicenseLock(ctx, uuid.New(), func(context.Context) error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
