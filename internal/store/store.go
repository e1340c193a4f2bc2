// Package store defines the transactional persistence port the activation
// engine runs against, together with the persisted entity rows.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"licensor/internal/license"
)

// LicenseStatus is the lifecycle state of a persisted license.
type LicenseStatus string

const (
	StatusActive  LicenseStatus = "Active"
	StatusExpired LicenseStatus = "Expired"
	StatusRevoked LicenseStatus = "Revoked"
)

// Product is a sellable product licenses are issued against.
type Product struct {
	ID   uuid.UUID
	Name string
}

// FeatureDef is a feature a product can license.
type FeatureDef struct {
	ID   uuid.UUID
	Name string
}

// LicenseFeature links a product feature to the license currently enabling
// it. The composite key is (ProductID, FeatureID).
type LicenseFeature struct {
	ProductID uuid.UUID
	FeatureID uuid.UUID
	LicenseID uuid.UUID
	Enabled   bool
}

// LicenseRow is the persisted license record.
type LicenseRow struct {
	ID                     uuid.UUID
	Key                    string
	Type                   license.Type
	IssuedOn               time.Time
	ExpirationDate         *time.Time
	Issuer                 string
	Status                 LicenseStatus
	IssuedTo               string
	MaxActiveUsers         int
	ActiveUsers            int
	HardwareID             string
	SubscriptionExpiryDate *time.Time
	ProductID              uuid.UUID
}

// SeatCounted reports whether this license type tracks activation seats.
func (r *LicenseRow) SeatCounted() bool {
	return r.Type == license.TypeConcurrent || r.Type == license.TypeFloating
}

// Activation binds a license to a machine for seat-counted license types.
type Activation struct {
	ID              uuid.UUID
	LicenseID       uuid.UUID
	MachineID       string
	ActivatedAt     time.Time
	LastHeartbeatAt time.Time
}

// Store is the persistence port. Every update of an existing license and
// every seat change must run inside WithLicenseLock for that license; a
// heartbeat's single-row TouchActivation does not need it.
type Store interface {
	ProductExists(ctx context.Context, id uuid.UUID) (bool, error)
	InsertProduct(ctx context.Context, p Product) error

	FeaturesExist(ctx context.Context, ids []uuid.UUID) (bool, error)
	InsertFeatureDef(ctx context.Context, f FeatureDef) error

	FindLicenseByKey(ctx context.Context, key string) (*LicenseRow, error)
	FindLicenseByID(ctx context.Context, id uuid.UUID) (*LicenseRow, error)
	InsertLicense(ctx context.Context, row *LicenseRow) error
	UpdateLicense(ctx context.Context, row *LicenseRow) error

	CountActivations(ctx context.Context, licenseID uuid.UUID) (int, error)
	FindActivation(ctx context.Context, licenseID uuid.UUID, machineID string) (*Activation, error)
	ListActivations(ctx context.Context, licenseID uuid.UUID) ([]Activation, error)
	InsertActivation(ctx context.Context, a *Activation) error
	RemoveActivation(ctx context.Context, id uuid.UUID) error
	TouchActivation(ctx context.Context, licenseID uuid.UUID, machineID string, at time.Time) (bool, error)
	SelectStaleActivations(ctx context.Context, threshold time.Time) ([]Activation, error)

	UpsertLicenseFeature(ctx context.Context, lf LicenseFeature) error

	// WithLicenseLock runs fn holding an exclusive per-license lock; the
	// read-modify-write of seat counters must happen inside it.
	WithLicenseLock(ctx context.Context, licenseID uuid.UUID, fn func(ctx context.Context) error) error

	Ping(ctx context.Context) error
	Close() error
}
