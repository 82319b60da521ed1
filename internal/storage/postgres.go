package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/corrwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{
		db:         db,
		ph:         func(n int) string { return "$" + strconv.Itoa(n) },
		encodeTime: func(t time.Time) any { return t.UTC() },
	}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
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
			risk_score DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			events_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_identity ON incidents(identity)`,
	})
}
