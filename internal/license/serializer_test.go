package license

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "licensor/internal/errors"
)

func TestSerializeRoundTrip(t *testing.T) {
	trial, err := NewTrial(14 * 24 * time.Hour)
	require.NoError(t, err)
	sub, err := NewSubscription("carol", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), 30*24*time.Hour)
	require.NoError(t, err)

	std := NewStandard("alice")
	std.Issuer = "acme"
	std.SetFeature("export", BoolFeature(true))

	tests := []struct {
		name string
		lic  License
	}{
		{name: "standard", lic: std},
		{name: "trial", lic: trial},
		{name: "node locked", lic: NewNodeLocked("fp-77")},
		{name: "subscription", lic: sub},
		{name: "floating", lic: NewFloating("dave", 12)},
		{name: "concurrent", lic: NewConcurrent("erin", 6)},
	}

	s := NewJSONSerializer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := s.Serialize(tt.lic)
			require.NoError(t, err)

			got, err := s.Deserialize(payload)
			require.NoError(t, err)

			assert.Equal(t, tt.lic.LicenseType(), got.LicenseType())
			assert.Equal(t, tt.lic.Common().ID, got.Common().ID)
			assert.Equal(t, tt.lic.Common().Key, got.Common().Key)
			assert.Equal(t, tt.lic.Common().Issuer, got.Common().Issuer)
			assert.True(t, tt.lic.Common().IssuedOn.Equal(got.Common().IssuedOn))
		})
	}
}

func TestSerializeVariantFields(t *testing.T) {
	s := NewJSONSerializer()

	t.Run("subscription window survives", func(t *testing.T) {
		start := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
		sub, err := NewSubscription("carol", start, 30*24*time.Hour)
		require.NoError(t, err)

		payload, err := s.Serialize(sub)
		require.NoError(t, err)
		got, err := s.Deserialize(payload)
		require.NoError(t, err)

		gotSub, ok := got.(*Subscription)
		require.True(t, ok)
		assert.True(t, gotSub.SubscriptionStart.Equal(start))
		assert.Equal(t, 30*24*time.Hour, gotSub.SubscriptionDuration)
		assert.True(t, gotSub.SubscriptionEnd().Equal(sub.SubscriptionEnd()))
	})

	t.Run("seat capacity survives", func(t *testing.T) {
		payload, err := s.Serialize(NewConcurrent("erin", 9))
		require.NoError(t, err)
		got, err := s.Deserialize(payload)
		require.NoError(t, err)

		gotCon, ok := got.(*Concurrent)
		require.True(t, ok)
		assert.Equal(t, 9, gotCon.MaxActiveUsers)
		assert.Equal(t, "erin", gotCon.UserName)
	})

	t.Run("hardware binding survives", func(t *testing.T) {
		payload, err := s.Serialize(NewNodeLocked("fp-42"))
		require.NoError(t, err)
		got, err := s.Deserialize(payload)
		require.NoError(t, err)

		gotNode, ok := got.(*NodeLocked)
		require.True(t, ok)
		assert.Equal(t, "fp-42", gotNode.HardwareID)
	})
}

func TestSerializeDeterministic(t *testing.T) {
	l := NewStandard("alice")
	l.SetFeature("b", IntFeature(2))
	l.SetFeature("a", IntFeature(1))
	l.SetFeature("c", IntFeature(3))

	s := NewJSONSerializer()
	first, err := s.Serialize(l)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Serialize(l)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSerializeCarriesTypeDiscriminator(t *testing.T) {
	s := NewJSONSerializer()
	payload, err := s.Serialize(NewFloating("dave", 3))
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(payload), &wire))
	assert.JSONEq(t, `"Floating"`, string(wire["type"]))
}

func TestDeserializeRejects(t *testing.T) {
	s := NewJSONSerializer()

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "garbage"},
		{name: "unknown type", payload: `{"type":"Perpetual","license_id":"00000000-0000-0000-0000-000000000000"}`},
		{name: "missing type", payload: `{"license_key":"k"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deserialize(tt.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidFormat)
		})
	}
}

func TestSerializeNilLicense(t *testing.T) {
	s := NewJSONSerializer()
	_, err := s.Serialize(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidFormat)
}
