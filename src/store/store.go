// Package store persists settings, the last computed schedule and fetched
// prices in SQLite so they survive restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ryansname/dispatchctl/src/dispatch"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when nothing has been stored yet
var ErrNotFound = errors.New("not found")

// Store handles persistent storage using SQLite
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serialises writers, which sqlite needs anyway
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		computed_at DATETIME NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS price_cache (
		hour_start INTEGER PRIMARY KEY,
		hour_end INTEGER NOT NULL,
		value REAL NOT NULL,
		fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_computed ON schedules(computed_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// SaveSetting stores one runtime setting
func (s *Store) SaveSetting(ctx context.Context, key string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("saving setting %s: %w", key, err)
	}
	return nil
}

// Settings returns every stored setting
func (s *Store) Settings(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]float64)
	for rows.Next() {
		var key string
		var value float64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// SaveSchedule stores a computed schedule, keeping only the most recent ones
func (s *Store) SaveSchedule(ctx context.Context, computedAt time.Time, sched dispatch.Schedule) error {
	payload, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("encoding schedule: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schedules (computed_at, payload) VALUES (?, ?)`,
		computedAt.UTC(), string(payload)); err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schedules WHERE id NOT IN (SELECT id FROM schedules ORDER BY id DESC LIMIT 96)`); err != nil {
		return fmt.Errorf("pruning schedules: %w", err)
	}
	return tx.Commit()
}

// LatestSchedule returns the most recently stored schedule
func (s *Store) LatestSchedule(ctx context.Context) (dispatch.Schedule, time.Time, error) {
	var payload string
	var computedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, computed_at FROM schedules ORDER BY id DESC LIMIT 1`).Scan(&payload, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Schedule{}, time.Time{}, ErrNotFound
	}
	if err != nil {
		return dispatch.Schedule{}, time.Time{}, fmt.Errorf("querying schedule: %w", err)
	}

	var sched dispatch.Schedule
	if err := json.Unmarshal([]byte(payload), &sched); err != nil {
		return dispatch.Schedule{}, time.Time{}, fmt.Errorf("decoding schedule: %w", err)
	}
	return sched, computedAt, nil
}

// CachePrices stores hourly prices, replacing any existing value for the same hour
func (s *Store) CachePrices(ctx context.Context, prices []dispatch.PricePoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO price_cache (hour_start, hour_end, value, fetched_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing price insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, p := range prices {
		if _, err := stmt.ExecContext(ctx, p.Start.Unix(), p.End.Unix(), p.Value, now); err != nil {
			return fmt.Errorf("caching price for %s: %w", p.Start.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

// CachedPrices returns cached hours starting in [from, to), in time order.
// Times are returned in loc.
func (s *Store) CachedPrices(ctx context.Context, from, to time.Time, loc *time.Location) ([]dispatch.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hour_start, hour_end, value FROM price_cache WHERE hour_start >= ? AND hour_start < ? ORDER BY hour_start`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("querying prices: %w", err)
	}
	defer rows.Close()

	var prices []dispatch.PricePoint
	for rows.Next() {
		var start, end int64
		var value float64
		if err := rows.Scan(&start, &end, &value); err != nil {
			return nil, fmt.Errorf("scanning price: %w", err)
		}
		prices = append(prices, dispatch.PricePoint{
			Start: time.Unix(start, 0).In(loc),
			End:   time.Unix(end, 0).In(loc),
			Value: value,
		})
	}
	return prices, rows.Err()
}

// PrunePrices removes cached hours that ended before cutoff
func (s *Store) PrunePrices(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM price_cache WHERE hour_end < ?`, cutoff.Unix()); err != nil {
		return fmt.Errorf("pruning prices: %w", err)
	}
	return nil
}
