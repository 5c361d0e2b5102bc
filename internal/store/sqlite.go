// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"pricepulse/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based record store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		threshold REAL NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		triggered_at DATETIME,
		last_seen_price REAL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(active);
	CREATE INDEX IF NOT EXISTS idx_alerts_owner ON alerts(owner);

	CREATE TABLE IF NOT EXISTS digests (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		symbols TEXT NOT NULL,
		frequency TEXT NOT NULL,
		destination_ids TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		last_sent_at DATETIME,
		next_run_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_digests_due ON digests(active, next_run_at);

	CREATE TABLE IF NOT EXISTS destinations (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		label TEXT NOT NULL,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		purposes TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_destinations_owner ON destinations(owner);

	CREATE TABLE IF NOT EXISTS activity (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_owner ON activity(owner, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveAlert inserts or replaces an alert rule.
func (s *SQLiteStore) SaveAlert(ctx context.Context, rule *models.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts
		(id, owner, symbol, direction, threshold, active, triggered_at, last_seen_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Owner, rule.Symbol, string(rule.Direction), rule.Threshold,
		boolInt(rule.Active), rule.TriggeredAt, rule.LastSeenPrice, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving alert: %w", err)
	}
	return nil
}

// GetActiveAlerts returns every rule still eligible for evaluation.
func (s *SQLiteStore) GetActiveAlerts(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, symbol, direction, threshold, active, triggered_at, last_seen_price, created_at
		FROM alerts WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying active alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// GetAlertsByOwner returns all of an owner's rules, active or not.
func (s *SQLiteStore) GetAlertsByOwner(ctx context.Context, owner string) ([]models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, symbol, direction, threshold, active, triggered_at, last_seen_price, created_at
		FROM alerts WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func scanAlerts(rows *sql.Rows) ([]models.AlertRule, error) {
	var alerts []models.AlertRule
	for rows.Next() {
		var (
			r         models.AlertRule
			direction string
			active    int
		)
		if err := rows.Scan(&r.ID, &r.Owner, &r.Symbol, &direction, &r.Threshold,
			&active, &r.TriggeredAt, &r.LastSeenPrice, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		r.Direction = models.AlertDirection(direction)
		r.Active = active == 1
		alerts = append(alerts, r)
	}
	return alerts, rows.Err()
}

// TriggerAlert implements the at-most-once flip: the UPDATE only matches
// a still-active row.
func (s *SQLiteStore) TriggerAlert(ctx context.Context, id string, price float64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET active = 0, triggered_at = ?, last_seen_price = ?
		WHERE id = ? AND active = 1`, at, price, id)
	if err != nil {
		return false, fmt.Errorf("triggering alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkAlertSeen records the most recent evaluated price for a rule.
func (s *SQLiteStore) MarkAlertSeen(ctx context.Context, id string, price float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET last_seen_price = ? WHERE id = ?`, price, id)
	if err != nil {
		return fmt.Errorf("marking alert seen: %w", err)
	}
	return nil
}

// DeleteAlert removes an owner's rule.
func (s *SQLiteStore) DeleteAlert(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("deleting alert: %w", err)
	}
	return nil
}

// SaveDigest inserts or replaces a digest.
func (s *SQLiteStore) SaveDigest(ctx context.Context, d *models.Digest) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	symbols, err := json.Marshal(d.Symbols)
	if err != nil {
		return fmt.Errorf("encoding digest symbols: %w", err)
	}
	destIDs, err := json.Marshal(d.DestinationIDs)
	if err != nil {
		return fmt.Errorf("encoding digest destinations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO digests
		(id, owner, symbols, frequency, destination_ids, active, last_sent_at, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Owner, string(symbols), string(d.Frequency), string(destIDs),
		boolInt(d.Active), d.LastSentAt, d.NextRunAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving digest: %w", err)
	}
	return nil
}

// GetDueDigests returns active digests whose next run is at or before now.
func (s *SQLiteStore) GetDueDigests(ctx context.Context, now time.Time) ([]models.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, symbols, frequency, destination_ids, active, last_sent_at, next_run_at, created_at
		FROM digests WHERE active = 1 AND next_run_at <= ? ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("querying due digests: %w", err)
	}
	defer rows.Close()
	return scanDigests(rows)
}

// GetActiveDigests returns every active digest regardless of due time.
func (s *SQLiteStore) GetActiveDigests(ctx context.Context) ([]models.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, symbols, frequency, destination_ids, active, last_sent_at, next_run_at, created_at
		FROM digests WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying active digests: %w", err)
	}
	defer rows.Close()
	return scanDigests(rows)
}

// GetDigestsByOwner returns all of an owner's digests.
func (s *SQLiteStore) GetDigestsByOwner(ctx context.Context, owner string) ([]models.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, symbols, frequency, destination_ids, active, last_sent_at, next_run_at, created_at
		FROM digests WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("querying digests: %w", err)
	}
	defer rows.Close()
	return scanDigests(rows)
}

func scanDigests(rows *sql.Rows) ([]models.Digest, error) {
	var digests []models.Digest
	for rows.Next() {
		var (
			d         models.Digest
			symbols   string
			frequency string
			destIDs   string
			active    int
		)
		if err := rows.Scan(&d.ID, &d.Owner, &symbols, &frequency, &destIDs,
			&active, &d.LastSentAt, &d.NextRunAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning digest: %w", err)
		}
		if err := json.Unmarshal([]byte(symbols), &d.Symbols); err != nil {
			return nil, fmt.Errorf("decoding digest symbols: %w", err)
		}
		if err := json.Unmarshal([]byte(destIDs), &d.DestinationIDs); err != nil {
			return nil, fmt.Errorf("decoding digest destinations: %w", err)
		}
		d.Frequency = models.DigestFrequency(frequency)
		d.Active = active == 1
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// UpdateDigestSchedule advances a digest's send bookkeeping.
func (s *SQLiteStore) UpdateDigestSchedule(ctx context.Context, id string, lastSentAt, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE digests SET last_sent_at = ?, next_run_at = ? WHERE id = ?`,
		lastSentAt, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("updating digest schedule: %w", err)
	}
	return nil
}

// DeleteDigest removes an owner's digest.
func (s *SQLiteStore) DeleteDigest(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM digests WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("deleting digest: %w", err)
	}
	return nil
}

// SaveDestination inserts or replaces a destination.
func (s *SQLiteStore) SaveDestination(ctx context.Context, dest *models.Destination) error {
	if dest.ID == "" {
		dest.ID = uuid.NewString()
	}
	if dest.CreatedAt.IsZero() {
		dest.CreatedAt = time.Now()
	}

	purposes, err := json.Marshal(dest.Purposes)
	if err != nil {
		return fmt.Errorf("encoding destination purposes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO destinations
		(id, owner, label, kind, target, purposes, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dest.ID, dest.Owner, dest.Label, string(dest.Kind), dest.Target,
		string(purposes), boolInt(dest.Active), dest.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving destination: %w", err)
	}
	return nil
}

// GetDestinationsByOwner returns all of an owner's destinations.
func (s *SQLiteStore) GetDestinationsByOwner(ctx context.Context, owner string) ([]models.Destination, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, label, kind, target, purposes, active, created_at
		FROM destinations WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("querying destinations: %w", err)
	}
	defer rows.Close()

	var dests []models.Destination
	for rows.Next() {
		var (
			d        models.Destination
			kind     string
			purposes string
			active   int
		)
		if err := rows.Scan(&d.ID, &d.Owner, &d.Label, &kind, &d.Target,
			&purposes, &active, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning destination: %w", err)
		}
		if err := json.Unmarshal([]byte(purposes), &d.Purposes); err != nil {
			return nil, fmt.Errorf("decoding destination purposes: %w", err)
		}
		d.Kind = models.DestinationKind(kind)
		d.Active = active == 1
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

// DeleteDestination removes an owner's destination.
func (s *SQLiteStore) DeleteDestination(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM destinations WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("deleting destination: %w", err)
	}
	return nil
}

// AppendActivity writes one audit record. Activity rows are never
// updated or deleted.
func (s *SQLiteStore) AppendActivity(ctx context.Context, entry models.ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var detail []byte
	if entry.Detail != nil {
		var err error
		detail, err = json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("encoding activity detail: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity (id, owner, kind, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Owner, entry.Kind, entry.Message, string(detail), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending activity: %w", err)
	}
	return nil
}

// GetRecentActivity returns an owner's newest audit records.
func (s *SQLiteStore) GetRecentActivity(ctx context.Context, owner string, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, kind, message, detail, created_at
		FROM activity WHERE owner = ? ORDER BY created_at DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var entries []models.ActivityEntry
	for rows.Next() {
		var (
			e      models.ActivityEntry
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Owner, &e.Kind, &e.Message, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decoding activity detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
