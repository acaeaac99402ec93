// Package history persists battery samples so widgets can chart a device's
// recent drain. Samples are recorded only when a device's level actually
// changes; the store never feeds evidence back into the aggregator.
package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"atoll/internal/device"
)

const schema = `
CREATE TABLE IF NOT EXISTS battery_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	address TEXT NOT NULL,
	name TEXT NOT NULL,
	level INTEGER NOT NULL,
	charging INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON battery_samples(timestamp);
CREATE INDEX IF NOT EXISTS idx_samples_addr ON battery_samples(address, timestamp);
`

// Sample is one recorded battery observation.
type Sample struct {
	Timestamp int64  `json:"timestamp"`
	Address   string `json:"address"`
	Name      string `json:"name"`
	Level     int    `json:"level"`
	Charging  bool   `json:"charging"`
}

// Store wraps the SQLite sample database.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	last map[string]int
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, last: make(map[string]int)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores the records' current levels, skipping devices whose level is
// unknown or unchanged since the last recorded sample.
func (s *Store) Record(recs []*device.Record) error {
	now := time.Now().Unix()
	for _, rec := range recs {
		if rec.Battery == nil {
			continue
		}
		level := *rec.Battery

		s.mu.Lock()
		prev, seen := s.last[rec.ID]
		if seen && prev == level {
			s.mu.Unlock()
			continue
		}
		s.last[rec.ID] = level
		s.mu.Unlock()

		charging := 0
		if rec.Sides != nil {
			if f := rec.Sides.LeftCharging; f != nil && *f {
				charging = 1
			}
			if f := rec.Sides.RightCharging; f != nil && *f {
				charging = 1
			}
		}
		_, err := s.db.Exec(
			"INSERT INTO battery_samples (timestamp, address, name, level, charging) VALUES (?, ?, ?, ?, ?)",
			now, rec.Address, rec.Name, level, charging,
		)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return nil
}

// Forget drops the last-level memory for a device id so the next connection
// records a fresh sample even at an unchanged level.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	delete(s.last, id)
	s.mu.Unlock()
}

// SamplesSince returns samples newer than the given epoch, oldest first.
// An empty address matches every device.
func (s *Store) SamplesSince(address string, since int64) ([]Sample, error) {
	query := "SELECT timestamp, address, name, level, charging FROM battery_samples WHERE timestamp >= ?"
	args := []any{since}
	if address != "" {
		query += " AND address = ?"
		args = append(args, address)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var smp Sample
		var charging int
		if err := rows.Scan(&smp.Timestamp, &smp.Address, &smp.Name, &smp.Level, &charging); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.Charging = charging != 0
		out = append(out, smp)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes samples before the given epoch and returns the
// number of deleted rows.
func (s *Store) DeleteOlderThan(before int64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM battery_samples WHERE timestamp < ?", before)
	if err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
