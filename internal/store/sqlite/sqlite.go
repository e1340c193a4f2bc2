// Package sqlite implements the store port on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	apperrors "licensor/internal/errors"
	"licensor/internal/license"
	"licensor/internal/store"
)

// Store is the SQLite-backed implementation of store.Store. SQLite works
// best with a single writer, so the pool is capped at one open connection
// and per-license serialization happens in-process via keyed mutexes.
type Store struct {
	conn *sql.DB

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// Open opens (and migrates) the database at path. The parent directory is
// created when missing.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &Store{
		conn:  conn,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

func migrate(conn *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS products (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS feature_defs (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS licenses (
	id                       TEXT PRIMARY KEY,
	license_key              TEXT NOT NULL UNIQUE,
	license_type             TEXT NOT NULL,
	issued_on                INTEGER NOT NULL,
	expiration_date          INTEGER,
	issuer                   TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL,
	issued_to                TEXT NOT NULL DEFAULT '',
	max_active_users         INTEGER NOT NULL DEFAULT 0,
	active_users             INTEGER NOT NULL DEFAULT 0,
	hardware_id              TEXT NOT NULL DEFAULT '',
	subscription_expiry_date INTEGER,
	product_id               TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS activations (
	id                TEXT PRIMARY KEY,
	license_id        TEXT NOT NULL REFERENCES licenses(id),
	machine_id        TEXT NOT NULL,
	activated_at      INTEGER NOT NULL,
	last_heartbeat_at INTEGER NOT NULL,
	UNIQUE (license_id, machine_id)
);

CREATE INDEX IF NOT EXISTS idx_activations_heartbeat ON activations(last_heartbeat_at);

CREATE TABLE IF NOT EXISTS license_features (
	product_id TEXT NOT NULL,
	feature_id TEXT NOT NULL,
	license_id TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (product_id, feature_id)
);
`
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.conn.Close() }

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error { return s.conn.PingContext(ctx) }

func (s *Store) ProductExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE id = ?`, id.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query product: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InsertProduct(ctx context.Context, p store.Product) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO products (id, name) VALUES (?, ?)`,
		p.ID.String(), p.Name)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *Store) FeaturesExist(ctx context.Context, ids []uuid.UUID) (bool, error) {
	for _, id := range ids {
		var n int
		err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM feature_defs WHERE id = ?`, id.String()).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("query feature def: %w", err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) InsertFeatureDef(ctx context.Context, f store.FeatureDef) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO feature_defs (id, name) VALUES (?, ?)`,
		f.ID.String(), f.Name)
	if err != nil {
		return fmt.Errorf("insert feature def: %w", err)
	}
	return nil
}

const licenseColumns = `id, license_key, license_type, issued_on, expiration_date, issuer,
	status, issued_to, max_active_users, active_users, hardware_id,
	subscription_expiry_date, product_id`

func (s *Store) FindLicenseByKey(ctx context.Context, key string) (*store.LicenseRow, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return scanLicense(row)
}

func (s *Store) FindLicenseByID(ctx context.Context, id uuid.UUID) (*store.LicenseRow, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id.String())
	return scanLicense(row)
}

func scanLicense(row *sql.Row) (*store.LicenseRow, error) {
	var (
		r          store.LicenseRow
		id, prodID string
		typ        string
		issuedOn   int64
		expiry     sql.NullInt64
		subExpiry  sql.NullInt64
		status     string
	)
	err := row.Scan(&id, &r.Key, &typ, &issuedOn, &expiry, &r.Issuer,
		&status, &r.IssuedTo, &r.MaxActiveUsers, &r.ActiveUsers, &r.HardwareID,
		&subExpiry, &prodID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: license", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan license: %w", err)
	}
	r.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse license id: %w", err)
	}
	if prodID != "" {
		r.ProductID, err = uuid.Parse(prodID)
		if err != nil {
			return nil, fmt.Errorf("parse product id: %w", err)
		}
	}
	r.Type = license.Type(typ)
	r.Status = store.LicenseStatus(status)
	r.IssuedOn = time.Unix(0, issuedOn).UTC()
	r.ExpirationDate = nullTime(expiry)
	r.SubscriptionExpiryDate = nullTime(subExpiry)
	return &r, nil
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func timeNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func (s *Store) InsertLicense(ctx context.Context, row *store.LicenseRow) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO licenses (`+licenseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID.String(), row.Key, string(row.Type), row.IssuedOn.UnixNano(),
		timeNull(row.ExpirationDate), row.Issuer, string(row.Status), row.IssuedTo,
		row.MaxActiveUsers, row.ActiveUsers, row.HardwareID,
		timeNull(row.SubscriptionExpiryDate), productID(row.ProductID))
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func productID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func (s *Store) UpdateLicense(ctx context.Context, row *store.LicenseRow) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE licenses SET
			license_key = ?, license_type = ?, issued_on = ?, expiration_date = ?,
			issuer = ?, status = ?, issued_to = ?, max_active_users = ?,
			active_users = ?, hardware_id = ?, subscription_expiry_date = ?, product_id = ?
		 WHERE id = ?`,
		row.Key, string(row.Type), row.IssuedOn.UnixNano(), timeNull(row.ExpirationDate),
		row.Issuer, string(row.Status), row.IssuedTo, row.MaxActiveUsers,
		row.ActiveUsers, row.HardwareID, timeNull(row.SubscriptionExpiryDate),
		productID(row.ProductID), row.ID.String())
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: license", apperrors.ErrNotFound)
	}
	return nil
}

func (s *Store) CountActivations(ctx context.Context, licenseID uuid.UUID) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activations WHERE license_id = ?`, licenseID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return n, nil
}

func (s *Store) FindActivation(ctx context.Context, licenseID uuid.UUID, machineID string) (*store.Activation, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, license_id, machine_id, activated_at, last_heartbeat_at
		 FROM activations WHERE license_id = ? AND machine_id = ?`,
		licenseID.String(), machineID)
	a, err := scanActivation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: activation", apperrors.ErrNotFound)
	}
	return a, err
}

func scanActivation(scan func(...any) error) (*store.Activation, error) {
	var (
		a                    store.Activation
		id, licID            string
		activated, heartbeat int64
	)
	if err := scan(&id, &licID, &a.MachineID, &activated, &heartbeat); err != nil {
		return nil, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse activation id: %w", err)
	}
	if a.LicenseID, err = uuid.Parse(licID); err != nil {
		return nil, fmt.Errorf("parse license id: %w", err)
	}
	a.ActivatedAt = time.Unix(0, activated).UTC()
	a.LastHeartbeatAt = time.Unix(0, heartbeat).UTC()
	return &a, nil
}

func (s *Store) ListActivations(ctx context.Context, licenseID uuid.UUID) ([]store.Activation, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, license_id, machine_id, activated_at, last_heartbeat_at
		 FROM activations WHERE license_id = ? ORDER BY activated_at`,
		licenseID.String())
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []store.Activation
	for rows.Next() {
		a, err := scanActivation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	return out, nil
}

func (s *Store) InsertActivation(ctx context.Context, a *store.Activation) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO activations (id, license_id, machine_id, activated_at, last_heartbeat_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.ID.String(), a.LicenseID.String(), a.MachineID,
		a.ActivatedAt.UnixNano(), a.LastHeartbeatAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}
	return nil
}

func (s *Store) RemoveActivation(ctx context.Context, id uuid.UUID) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM activations WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove activation: %w", err)
	}
	return nil
}

func (s *Store) TouchActivation(ctx context.Context, licenseID uuid.UUID, machineID string, at time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE activations SET last_heartbeat_at = ? WHERE license_id = ? AND machine_id = ?`,
		at.UnixNano(), licenseID.String(), machineID)
	if err != nil {
		return false, fmt.Errorf("touch activation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch activation: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SelectStaleActivations(ctx context.Context, threshold time.Time) ([]store.Activation, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, license_id, machine_id, activated_at, last_heartbeat_at
		 FROM activations WHERE last_heartbeat_at < ?`,
		threshold.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("select stale activations: %w", err)
	}
	defer rows.Close()

	var out []store.Activation
	for rows.Next() {
		a, err := scanActivation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select stale activations: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertLicenseFeature(ctx context.Context, lf store.LicenseFeature) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO license_features (product_id, feature_id, license_id, enabled)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (product_id, feature_id)
		 DO UPDATE SET license_id = excluded.license_id, enabled = excluded.enabled`,
		lf.ProductID.String(), lf.FeatureID.String(), lf.LicenseID.String(), lf.Enabled)
	if err != nil {
		return fmt.Errorf("upsert license feature: %w", err)
	}
	return nil
}

// WithLicenseLock serializes fn against other callers holding the same
// license id. Lock entries live for the lifetime of the store; the set of
// distinct license ids touched by one process is small.
func (s *Store) WithLicenseLock(ctx context.Context, licenseID uuid.UUID, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	l, ok := s.locks[licenseID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[licenseID] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

var _ store.Store = (*Store)(nil)
