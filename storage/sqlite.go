package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore keeps sessions and check-in history in a SQLite database
type SQLiteStore struct {
	db     *sql.DB
	site   string
	logger *logrus.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
// Sessions are scoped by site so one database can serve several sites.
func NewSQLiteStore(dbPath, site string, logger *logrus.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		// Create directory if it doesn't exist
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		site:   site,
		logger: logger,
		now:    time.Now,
	}

	// Initialize tables
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	logger.WithField("path", dbPath).Debug("Database initialized successfully")
	return store, nil
}

// initTables creates all necessary tables
func (s *SQLiteStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			site TEXT NOT NULL,
			account_key TEXT NOT NULL,
			cookies TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (site, account_key)
		)`,
		`CREATE TABLE IF NOT EXISTS checkins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			site TEXT NOT NULL,
			account_key TEXT NOT NULL,
			uid TEXT,
			message TEXT,
			balance INTEGER DEFAULT 0,
			success BOOLEAN DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_account_key ON checkins(site, account_key)`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_created_at ON checkins(created_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// List returns the site's sessions in the order they were first stored
func (s *SQLiteStore) List(ctx context.Context) ([]SessionRecord, error) {
	query := `SELECT account_key, cookies, updated_at FROM sessions WHERE site = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, s.site)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var record SessionRecord
		if err := rows.Scan(&record.Key, &record.Cookies, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Get retrieves a session by account key
func (s *SQLiteStore) Get(ctx context.Context, key string) (SessionRecord, error) {
	query := `SELECT account_key, cookies, updated_at FROM sessions WHERE site = ? AND account_key = ?`

	var record SessionRecord
	err := s.db.QueryRowContext(ctx, query, s.site, key).Scan(&record.Key, &record.Cookies, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to get session: %w", err)
	}
	return record, nil
}

// Put inserts or replaces a session, keeping its original position
func (s *SQLiteStore) Put(ctx context.Context, record SessionRecord) error {
	query := `INSERT INTO sessions (site, account_key, cookies, updated_at) VALUES (?, ?, ?, ?)
			  ON CONFLICT (site, account_key) DO UPDATE SET cookies = excluded.cookies, updated_at = excluded.updated_at`

	updated := record.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	if _, err := s.db.ExecContext(ctx, query, s.site, record.Key, record.Cookies, updated); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.WithField("account", record.Key).Debug("Session saved")
	return nil
}

// Delete removes a session; deleting a missing key is not an error
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE site = ? AND account_key = ?`, s.site, key); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Clear removes every session of the site
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE site = ?`, s.site); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	return nil
}

// SaveCheckin appends a check-in result
func (s *SQLiteStore) SaveCheckin(ctx context.Context, record *CheckinRecord) error {
	query := `INSERT INTO checkins (site, account_key, uid, message, balance, success, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}

	result, err := s.db.ExecContext(ctx, query, s.site, record.Key, record.UID, record.Message, record.Balance, record.Success, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkin: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get checkin ID: %w", err)
	}

	record.ID = int(id)
	s.logger.WithField("account", record.Key).Debug("Checkin saved")
	return nil
}

// LatestCheckins returns the most recent check-in of every account
func (s *SQLiteStore) LatestCheckins(ctx context.Context) ([]*CheckinRecord, error) {
	query := `SELECT id, account_key, uid, message, balance, success, created_at FROM checkins
			  WHERE id IN (SELECT MAX(id) FROM checkins WHERE site = ? GROUP BY account_key)
			  ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, s.site)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkins: %w", err)
	}
	defer rows.Close()

	var records []*CheckinRecord
	for rows.Next() {
		var record CheckinRecord
		var uid, message sql.NullString
		err := rows.Scan(&record.ID, &record.Key, &uid, &message, &record.Balance, &record.Success, &record.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkin: %w", err)
		}
		record.UID = uid.String
		record.Message = message.String
		records = append(records, &record)
	}
	return records, rows.Err()
}

// GetDailyStats counts the check-ins recorded on date
func (s *SQLiteStore) GetDailyStats(ctx context.Context, date time.Time) (map[string]int, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM checkins WHERE site = ? AND DATE(created_at) = DATE(?)) as checkins,
			(SELECT COUNT(*) FROM checkins WHERE site = ? AND success = 1 AND DATE(created_at) = DATE(?)) as succeeded
	`

	var checkins, succeeded int
	err := s.db.QueryRowContext(ctx, query, s.site, date, s.site, date).Scan(&checkins, &succeeded)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}

	return map[string]int{
		"checkins":  checkins,
		"succeeded": succeeded,
		"failed":    checkins - succeeded,
	}, nil
}
