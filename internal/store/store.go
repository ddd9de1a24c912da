// Package store provides SQLite-based persistence for app registrations and
// serialized FCM sessions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Registration is one persisted app registration: the UP endpoint plus the
// Firebase credentials extracted from the app's APK.
type Registration struct {
	AppID    string
	Endpoint string
	// FCMToken is the original app's token, kept for debugging only.
	FCMToken          string
	FirebaseAppID     string
	FirebaseProjectID string
	FirebaseAPIKey    string
	CertSHA1          string
	AppVersion        int
	AppVersionName    string
	TargetSDK         int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Store is the persistence interface the relay consumes. Implementations
// must be durable across restarts.
type Store interface {
	SaveRegistration(ctx context.Context, reg *Registration) error
	GetRegistration(ctx context.Context, appID string) (*Registration, error)
	Delete(ctx context.Context, appID string) error
	List(ctx context.Context) ([]*Registration, error)
	Count(ctx context.Context) (int, error)
	UpdateEndpoint(ctx context.Context, appID, endpoint string) error

	SaveSession(ctx context.Context, appID string, data []byte) error
	GetSession(ctx context.Context, appID string) ([]byte, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes
}

// New opens (and if necessary creates) the database at path.
func New(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS registrations (
			app_id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			fcm_token TEXT,
			firebase_app_id TEXT NOT NULL,
			firebase_project_id TEXT NOT NULL,
			firebase_api_key TEXT NOT NULL,
			cert_sha1 TEXT,
			app_version INTEGER,
			app_version_name TEXT,
			target_sdk INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			app_id TEXT PRIMARY KEY,
			registration_data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveRegistration inserts or replaces the registration for reg.AppID.
func (s *SQLiteStore) SaveRegistration(ctx context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	createdAt := now
	if !reg.CreatedAt.IsZero() {
		createdAt = reg.CreatedAt.Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations
			(app_id, endpoint, fcm_token, firebase_app_id, firebase_project_id,
			 firebase_api_key, cert_sha1, app_version, app_version_name,
			 target_sdk, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			fcm_token = excluded.fcm_token,
			firebase_app_id = excluded.firebase_app_id,
			firebase_project_id = excluded.firebase_project_id,
			firebase_api_key = excluded.firebase_api_key,
			cert_sha1 = excluded.cert_sha1,
			app_version = excluded.app_version,
			app_version_name = excluded.app_version_name,
			target_sdk = excluded.target_sdk,
			updated_at = excluded.updated_at
	`, reg.AppID, reg.Endpoint, reg.FCMToken, reg.FirebaseAppID,
		reg.FirebaseProjectID, reg.FirebaseAPIKey, reg.CertSHA1,
		reg.AppVersion, reg.AppVersionName, reg.TargetSDK, createdAt, now)
	if err != nil {
		return fmt.Errorf("saving registration %s: %w", reg.AppID, err)
	}
	return nil
}

const registrationColumns = `app_id, endpoint, fcm_token, firebase_app_id,
	firebase_project_id, firebase_api_key, cert_sha1, app_version,
	app_version_name, target_sdk, created_at, updated_at`

func scanRegistration(row interface{ Scan(...any) error }) (*Registration, error) {
	var (
		reg       Registration
		fcmToken  sql.NullString
		certSHA1  sql.NullString
		appVer    sql.NullInt64
		appVerStr sql.NullString
		targetSDK sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&reg.AppID, &reg.Endpoint, &fcmToken, &reg.FirebaseAppID,
		&reg.FirebaseProjectID, &reg.FirebaseAPIKey, &certSHA1, &appVer,
		&appVerStr, &targetSDK, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	reg.FCMToken = fcmToken.String
	reg.CertSHA1 = certSHA1.String
	reg.AppVersion = int(appVer.Int64)
	reg.AppVersionName = appVerStr.String
	reg.TargetSDK = int(targetSDK.Int64)
	reg.CreatedAt = time.Unix(createdAt, 0)
	reg.UpdatedAt = time.Unix(updatedAt, 0)
	return &reg, nil
}

// GetRegistration returns the registration for appID, or nil when absent.
func (s *SQLiteStore) GetRegistration(ctx context.Context, appID string) (*Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE app_id = ?`, appID)
	reg, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting registration %s: %w", appID, err)
	}
	return reg, nil
}

// Delete removes the registration and session for appID. Absent rows are not
// an error.
func (s *SQLiteStore) Delete(ctx context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE app_id = ?`, appID); err != nil {
		return fmt.Errorf("deleting registration %s: %w", appID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE app_id = ?`, appID); err != nil {
		return fmt.Errorf("deleting session %s: %w", appID, err)
	}
	return nil
}

// List returns all registrations.
func (s *SQLiteStore) List(ctx context.Context) ([]*Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations ORDER BY app_id`)
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}
	defer rows.Close()

	var regs []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("listing registrations: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// Count returns the number of persisted registrations.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting registrations: %w", err)
	}
	return count, nil
}

// UpdateEndpoint changes the UP endpoint of an existing registration.
func (s *SQLiteStore) UpdateEndpoint(ctx context.Context, appID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE registrations SET endpoint = ?, updated_at = ? WHERE app_id = ?`,
		endpoint, time.Now().Unix(), appID)
	if err != nil {
		return fmt.Errorf("updating endpoint %s: %w", appID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating endpoint %s: not registered", appID)
	}
	return nil
}

// SaveSession inserts or replaces the serialized session blob for appID.
func (s *SQLiteStore) SaveSession(ctx context.Context, appID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (app_id, registration_data, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET registration_data = excluded.registration_data
	`, appID, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("saving session %s: %w", appID, err)
	}
	return nil
}

// GetSession returns the serialized session blob for appID, or nil when
// absent.
func (s *SQLiteStore) GetSession(ctx context.Context, appID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT registration_data FROM sessions WHERE app_id = ?`, appID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", appID, err)
	}
	return data, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
