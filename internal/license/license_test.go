package license

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "licensor/internal/errors"
)

func TestTypeValid(t *testing.T) {
	for _, typ := range KnownTypes {
		assert.True(t, typ.Valid(), "type %q", typ)
	}
	assert.False(t, Type("Perpetual").Valid())
	assert.False(t, Type("").Valid())
}

func TestNewStandard(t *testing.T) {
	l := NewStandard("alice")
	assert.Equal(t, TypeStandard, l.LicenseType())
	assert.Equal(t, "alice", l.UserName)
	assert.NotEqual(t, uuid.Nil, l.ID)
	assert.NotEmpty(t, l.Key)
	assert.Nil(t, l.ExpirationDate)
	assert.False(t, l.IssuedOn.IsZero())
}

func TestDistinctIdentityPerLicense(t *testing.T) {
	a := NewStandard("alice")
	b := NewStandard("alice")
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestNewTrial(t *testing.T) {
	l, err := NewTrial(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TypeTrial, l.LicenseType())
	require.NotNil(t, l.ExpirationDate)
	assert.True(t, l.ExpirationDate.Equal(l.IssuedOn.Add(7*24*time.Hour)))
}

func TestNewTrialRejectsNonPositivePeriod(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Hour} {
		_, err := NewTrial(d)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	}
}

func TestTrialSetExpirationRejected(t *testing.T) {
	l, err := NewTrial(time.Hour)
	require.NoError(t, err)
	err = l.SetExpiration(time.Now().Add(48 * time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	assert.True(t, l.ExpirationDate.Equal(l.IssuedOn.Add(time.Hour)))
}

func TestNewSubscription(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	l, err := NewSubscription("bob", start, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TypeSubscription, l.LicenseType())
	assert.True(t, l.SubscriptionEnd().Equal(start.Add(90*24*time.Hour)))
	require.NotNil(t, l.ExpirationDate)
	assert.True(t, l.ExpirationDate.Equal(l.SubscriptionEnd()))
}

func TestNewSubscriptionRejectsNonPositiveDuration(t *testing.T) {
	_, err := NewSubscription("bob", time.Now(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l := NewStandard("alice")
	assert.False(t, l.Expired(now), "no expiry means never expired")

	require.NoError(t, l.SetExpiration(now.Add(time.Minute)))
	assert.False(t, l.Expired(now))

	require.NoError(t, l.SetExpiration(now))
	assert.True(t, l.Expired(now), "expiry exactly at now counts as expired")

	require.NoError(t, l.SetExpiration(now.Add(-time.Minute)))
	assert.True(t, l.Expired(now))
}

func TestFeatureLookupIsExact(t *testing.T) {
	l := NewStandard("alice")
	l.SetFeature("Export", BoolFeature(true))

	_, ok := l.Feature("export")
	assert.False(t, ok, "lookup must be case sensitive")

	f, ok := l.Feature("Export")
	require.True(t, ok)
	assert.True(t, f.AsBool())
}

func TestSetFeatureReplaces(t *testing.T) {
	l := NewStandard("alice")
	l.SetFeature("seats", IntFeature(5))
	l.SetFeature("seats", IntFeature(10))

	f, ok := l.Feature("seats")
	require.True(t, ok)
	assert.Equal(t, int32(10), f.AsInt())
}

func TestSetKey(t *testing.T) {
	l := NewFloating("dave", 3)
	l.SetKey("CUSTOM-KEY-001")
	assert.Equal(t, "CUSTOM-KEY-001", l.Key)
}

func TestDeriveParams(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := NewSubscription("carol", start, 30*24*time.Hour)
	require.NoError(t, err)
	trial, err := NewTrial(time.Hour)
	require.NoError(t, err)

	std := NewStandard("alice")

	tests := []struct {
		name string
		lic  License
		want Params
	}{
		{name: "standard", lic: std, want: Params{UserName: "alice", LicenseKey: std.Key}},
		{name: "trial", lic: trial, want: Params{TrialPeriod: time.Hour}},
		{name: "node locked", lic: NewNodeLocked("fp-1"), want: Params{HardwareID: "fp-1"}},
		{name: "subscription", lic: sub, want: Params{
			UserName:             "carol",
			SubscriptionStart:    start,
			SubscriptionDuration: 30 * 24 * time.Hour,
		}},
		{name: "floating", lic: NewFloating("dave", 7), want: Params{UserName: "dave", MaxActiveUsers: 7}},
		{name: "concurrent", lic: NewConcurrent("erin", 4), want: Params{UserName: "erin", MaxActiveUsers: 4}},
		{name: "nil", lic: nil, want: Params{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveParams(tt.lic))
		})
	}
}
