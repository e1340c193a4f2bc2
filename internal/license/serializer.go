package license

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "licensor/internal/errors"
)

// Serializer converts a license to and from its stable text encoding. The
// encoding carries a Type discriminator selecting the variant on decode.
type Serializer interface {
	Serialize(l License) (string, error)
	Deserialize(payload string) (License, error)
}

// wireLicense is the flat JSON shape shared by all variants. encoding/json
// keeps struct fields in declaration order and sorts the feature map keys,
// so the output is byte-stable for a given license.
type wireLicense struct {
	Type           Type               `json:"type"`
	LicenseID      uuid.UUID          `json:"license_id"`
	LicenseKey     string             `json:"license_key"`
	IssuedOn       time.Time          `json:"issued_on"`
	ExpirationDate *time.Time         `json:"expiration_date,omitempty"`
	Issuer         string             `json:"issuer,omitempty"`
	Features       map[string]Feature `json:"features,omitempty"`

	UserName             string        `json:"user_name,omitempty"`
	TrialPeriod          time.Duration `json:"trial_period,omitempty"`
	HardwareID           string        `json:"hardware_id,omitempty"`
	SubscriptionStart    *time.Time    `json:"subscription_start_date,omitempty"`
	SubscriptionDuration time.Duration `json:"subscription_duration,omitempty"`
	MaxActiveUsers       int           `json:"max_active_users_count,omitempty"`
}

// JSONSerializer is the default Serializer. Timestamps are RFC 3339 UTC,
// durations are nanosecond integers.
type JSONSerializer struct{}

// NewJSONSerializer returns the default JSON serializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

// Serialize encodes l as deterministic JSON with a type discriminator.
func (s *JSONSerializer) Serialize(l License) (string, error) {
	if l == nil {
		return "", fmt.Errorf("%w: nil license", apperrors.ErrInvalidFormat)
	}

	b := l.Common()
	w := wireLicense{
		Type:           l.LicenseType(),
		LicenseID:      b.ID,
		LicenseKey:     b.Key,
		IssuedOn:       b.IssuedOn.UTC(),
		ExpirationDate: utcPtr(b.ExpirationDate),
		Issuer:         b.Issuer,
		Features:       b.Features,
	}

	switch v := l.(type) {
	case *Standard:
		w.UserName = v.UserName
	case *Trial:
		w.TrialPeriod = v.TrialPeriod
	case *NodeLocked:
		w.HardwareID = v.HardwareID
	case *Subscription:
		w.UserName = v.UserName
		start := v.SubscriptionStart.UTC()
		w.SubscriptionStart = &start
		w.SubscriptionDuration = v.SubscriptionDuration
	case *Floating:
		w.UserName = v.UserName
		w.MaxActiveUsers = v.MaxActiveUsers
	case *Concurrent:
		w.UserName = v.UserName
		w.MaxActiveUsers = v.MaxActiveUsers
	default:
		return "", fmt.Errorf("%w: unknown license variant %T", apperrors.ErrInvalidFormat, l)
	}

	out, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrInvalidFormat, err)
	}
	return string(out), nil
}

// Deserialize decodes payload and re-tags it to the concrete variant named
// by the discriminator. Unknown discriminators are rejected.
func (s *JSONSerializer) Deserialize(payload string) (License, error) {
	var w wireLicense
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidFormat, err)
	}

	base := Base{
		ID:             w.LicenseID,
		Key:            w.LicenseKey,
		IssuedOn:       w.IssuedOn.UTC(),
		ExpirationDate: utcPtr(w.ExpirationDate),
		Issuer:         w.Issuer,
		Features:       w.Features,
	}
	if base.Features == nil {
		base.Features = make(map[string]Feature)
	}

	switch w.Type {
	case TypeStandard:
		return &Standard{Base: base, UserName: w.UserName}, nil
	case TypeTrial:
		return &Trial{Base: base, TrialPeriod: w.TrialPeriod}, nil
	case TypeNodeLocked:
		return &NodeLocked{Base: base, HardwareID: w.HardwareID}, nil
	case TypeSubscription:
		var start time.Time
		if w.SubscriptionStart != nil {
			start = w.SubscriptionStart.UTC()
		}
		return &Subscription{
			Base:                 base,
			UserName:             w.UserName,
			SubscriptionStart:    start,
			SubscriptionDuration: w.SubscriptionDuration,
		}, nil
	case TypeFloating:
		return &Floating{Base: base, UserName: w.UserName, MaxActiveUsers: w.MaxActiveUsers}, nil
	case TypeConcurrent:
		return &Concurrent{Base: base, UserName: w.UserName, MaxActiveUsers: w.MaxActiveUsers}, nil
	default:
		return nil, fmt.Errorf("%w: unknown license type %q", apperrors.ErrInvalidFormat, w.Type)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
