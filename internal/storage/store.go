package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
)

// Store mirrors incidents to a SQL database so they survive restarts.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveIncident(ctx context.Context, inc *model.SecurityIncident) error
	LoadIncidents(ctx context.Context, since time.Time, limit int) ([]*model.SecurityIncident, error)
	PurgeIncidents(ctx context.Context, before time.Time) (int64, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore holds the SQL both drivers share; they differ in placeholders,
// DDL and how timestamps are represented.
type baseStore struct {
	db         *sql.DB
	ph         func(n int) string
	encodeTime func(time.Time) any
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = b.ph(from + i)
	}
	return strings.Join(parts, ", ")
}

// statusRank orders statuses in SQL the way model.Status.CanTransition does,
// so a delayed or retried save never moves a stored status backwards.
func statusRank(col string) string {
	return "(CASE " + col + " WHEN '" + string(model.StatusOpen) + "' THEN 1 WHEN '" +
		string(model.StatusAcknowledged) + "' THEN 2 WHEN '" +
		string(model.StatusResolved) + "' THEN 3 ELSE 0 END)"
}

// SaveIncident inserts the incident or, when it already exists, advances its
// status. Every other column is immutable once written.
func (b *baseStore) SaveIncident(ctx context.Context, inc *model.SecurityIncident) error {
	if b.db == nil || inc == nil {
		return nil
	}
	events, err := json.Marshal(inc.Events)
	if err != nil {
		return err
	}
	query := `INSERT INTO incidents (incident_id, rule, identity, severity, title, description, risk_score, status, created_at, events_json)
		VALUES (` + b.placeholders(1, 10) + `)
		ON CONFLICT (incident_id) DO UPDATE SET status = CASE
			WHEN ` + statusRank("excluded.status") + ` > ` + statusRank("incidents.status") + ` THEN excluded.status
			ELSE incidents.status END`
	_, err = b.db.ExecContext(ctx, query,
		inc.IncidentID,
		inc.Rule,
		inc.Identity,
		string(inc.Severity),
		inc.Title,
		inc.Description,
		inc.RiskScore,
		string(inc.Status),
		b.encodeTime(inc.CreatedAt),
		string(events),
	)
	return err
}

// LoadIncidents returns incidents created at or after since, oldest first.
func (b *baseStore) LoadIncidents(ctx context.Context, since time.Time, limit int) ([]*model.SecurityIncident, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10000
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT incident_id, rule, identity, severity, title, description, risk_score, status, created_at, events_json
		FROM incidents WHERE created_at >= `+b.ph(1)+` ORDER BY created_at DESC LIMIT `+b.ph(2),
		b.encodeTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SecurityIncident
	for rows.Next() {
		var (
			inc      model.SecurityIncident
			severity string
			status   string
			created  any
			events   string
		)
		if err := rows.Scan(&inc.IncidentID, &inc.Rule, &inc.Identity, &severity, &inc.Title,
			&inc.Description, &inc.RiskScore, &status, &created, &events); err != nil {
			return nil, err
		}
		inc.Severity = model.Severity(severity)
		inc.Status = model.Status(status)
		if inc.CreatedAt, err = decodeTime(created); err != nil {
			return nil, fmt.Errorf("incident %s: %w", inc.IncidentID, err)
		}
		if err := json.Unmarshal([]byte(events), &inc.Events); err != nil {
			return nil, fmt.Errorf("incident %s events: %w", inc.IncidentID, err)
		}
		out = append(out, &inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *baseStore) PurgeIncidents(ctx context.Context, before time.Time) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM incidents WHERE created_at < `+b.ph(1), b.encodeTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// sortableTime is a fixed-width UTC layout so TEXT columns order correctly.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(sortableTime, t)
	case []byte:
		return time.Parse(sortableTime, string(t))
	case nil:
		return time.Time{}, errors.New("created_at is null")
	}
	return time.Time{}, fmt.Errorf("unexpected created_at type %T", v)
}
