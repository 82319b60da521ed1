package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:corrwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection also keeps :memory: databases coherent
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{
		db: db,
		ph: func(int) string { return "?" },
		encodeTime: func(t time.Time) any {
			return t.UTC().Format(sortableTime)
		},
	}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			incident_id TEXT PRIMARY KEY,
			rule TEXT NOT NULL,
			identity TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			risk_score REAL NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			events_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_identity ON incidents(identity)`,
	})
}
