package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jgoulah/waterscraper/pkg/models"
	_ "modernc.org/sqlite"
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		gallons REAL NOT NULL,
		created_at TEXT NOT NULL,
		published INTEGER DEFAULT 0,
		UNIQUE(timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_data(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_published ON usage_data(published);
	CREATE TABLE IF NOT EXISTS import_cursor (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_imported TEXT NOT NULL,
		cumulative_sum REAL NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// InsertReading inserts a usage reading, ignoring duplicates. Readings
// are keyed on their timestamp, so re-importing an already-seen hour is
// a no-op.
func (db *DB) InsertReading(r *models.UsageReading) error {
	query := `
	INSERT OR IGNORE INTO usage_data (timestamp, gallons, created_at)
	VALUES (?, ?, ?)
	`

	tsStr := r.Timestamp.Format(time.RFC3339)
	createdAt := time.Now().UTC().Format(time.RFC3339)

	if _, err := db.conn.Exec(query, tsStr, r.Gallons, createdAt); err != nil {
		return fmt.Errorf("inserting usage reading: %w", err)
	}

	return nil
}

// ListReadings retrieves stored readings in chronological order,
// optionally bounded to timestamps strictly after the given time
func (db *DB) ListReadings(after time.Time) ([]models.UsageReading, error) {
	query := `
	SELECT id, timestamp, gallons
	FROM usage_data
	WHERE timestamp > ?
	ORDER BY timestamp ASC
	`

	rows, err := db.conn.Query(query, after.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying usage readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

// ListUnpublished retrieves readings not yet published to MQTT, in
// chronological order
func (db *DB) ListUnpublished() ([]models.UsageReading, error) {
	query := `
	SELECT id, timestamp, gallons
	FROM usage_data
	WHERE published = 0
	ORDER BY timestamp ASC
	`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying unpublished readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]models.UsageReading, error) {
	var results []models.UsageReading
	for rows.Next() {
		var r models.UsageReading
		var tsStr string

		if err := rows.Scan(&r.ID, &tsStr, &r.Gallons); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		r.Timestamp = ts

		results = append(results, r)
	}

	return results, rows.Err()
}

// MarkPublished marks a usage reading as published
func (db *DB) MarkPublished(id int) error {
	query := `UPDATE usage_data SET published = 1 WHERE id = ?`
	if _, err := db.conn.Exec(query, id); err != nil {
		return fmt.Errorf("marking reading as published: %w", err)
	}
	return nil
}

// GetCursor returns the persisted import cursor. The boolean is false
// when no cursor has been written yet (first run).
func (db *DB) GetCursor() (models.ImportCursor, bool, error) {
	query := `SELECT last_imported, cumulative_sum FROM import_cursor WHERE id = 1`

	var tsStr string
	var sum float64
	err := db.conn.QueryRow(query).Scan(&tsStr, &sum)
	if err == sql.ErrNoRows {
		return models.ImportCursor{}, false, nil
	}
	if err != nil {
		return models.ImportCursor{}, false, fmt.Errorf("querying import cursor: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return models.ImportCursor{}, false, fmt.Errorf("parsing cursor timestamp: %w", err)
	}

	return models.ImportCursor{LastImported: ts, CumulativeSum: sum}, true, nil
}

// SetCursor persists the import cursor. The cursor only ever moves
// forward; an attempt to move it backward is rejected.
func (db *DB) SetCursor(cursor models.ImportCursor) error {
	existing, ok, err := db.GetCursor()
	if err != nil {
		return err
	}
	if ok && cursor.LastImported.Before(existing.LastImported) {
		return fmt.Errorf("cursor moving backward: %s is before %s",
			cursor.LastImported.Format(time.RFC3339), existing.LastImported.Format(time.RFC3339))
	}

	query := `
	INSERT INTO import_cursor (id, last_imported, cumulative_sum, updated_at)
	VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_imported = excluded.last_imported,
		cumulative_sum = excluded.cumulative_sum,
		updated_at = excluded.updated_at
	`

	updatedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := db.conn.Exec(query, cursor.LastImported.Format(time.RFC3339), cursor.CumulativeSum, updatedAt); err != nil {
		return fmt.Errorf("saving import cursor: %w", err)
	}

	return nil
}
