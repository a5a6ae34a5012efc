package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/db/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SQLiteSink stores events in the audit_events table.
type SQLiteSink struct {
	db *sqlx.DB
}

type eventRow struct {
	ID     int64          `db:"id"`
	TS     time.Time      `db:"ts"`
	Kind   string         `db:"kind"`
	Skill  string         `db:"skill"`
	Path   sql.NullString `db:"path"`
	Bytes  sql.NullInt64  `db:"bytes"`
	SHA256 sql.NullString `db:"sha256"`
	Detail sql.NullString `db:"detail"`
}

// Query narrows the events returned by SQLiteSink.Events.
type Query struct {
	Skill string
	Kind  Kind
	Limit int
}

// NewSQLiteSink wraps an already migrated database.
func NewSQLiteSink(conn *sqlx.DB) *SQLiteSink {
	return &SQLiteSink{db: conn}
}

// OpenSQLiteSink opens the database at path, applies migrations and returns a
// sink backed by it. Close releases the database.
func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	conn, err := db.OpenMigrated(ctx, path, migrations.All())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open audit database")
	}
	return NewSQLiteSink(conn), nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Log(ctx context.Context, event Event) error {
	row := eventRow{
		TS:    event.Timestamp.UTC(),
		Kind:  string(event.Kind),
		Skill: event.Skill,
	}
	if event.Path != "" {
		row.Path = sql.NullString{String: event.Path, Valid: true}
	}
	if event.Bytes != nil {
		row.Bytes = sql.NullInt64{Int64: int64(*event.Bytes), Valid: true}
	}
	if event.SHA256 != "" {
		row.SHA256 = sql.NullString{String: event.SHA256, Valid: true}
	}
	if len(event.Detail) > 0 {
		detail, err := json.Marshal(event.Detail)
		if err != nil {
			return errors.Wrap(err, "failed to marshal audit detail")
		}
		row.Detail = sql.NullString{String: string(detail), Valid: true}
	}

	err := db.RetryBusy(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO audit_events (ts, kind, skill, path, bytes, sha256, detail)
			VALUES (:ts, :kind, :skill, :path, :bytes, :sha256, :detail)
		`, row)
		return err
	})
	return errors.Wrap(err, "failed to insert audit event")
}

// Events returns stored events oldest first. A positive q.Limit keeps only
// the most recent q.Limit matches.
func (s *SQLiteSink) Events(ctx context.Context, q Query) ([]Event, error) {
	query := `SELECT id, ts, kind, skill, path, bytes, sha256, detail FROM audit_events WHERE 1=1`
	var args []any
	if q.Skill != "" {
		query += " AND skill = ?"
		args = append(args, q.Skill)
	}
	if q.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(q.Kind))
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to query audit events")
	}

	events := make([]Event, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		event, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (r eventRow) toEvent() (Event, error) {
	event := Event{
		Timestamp: r.TS.UTC(),
		Kind:      Kind(r.Kind),
		Skill:     r.Skill,
		Path:      r.Path.String,
		SHA256:    r.SHA256.String,
	}
	if r.Bytes.Valid {
		event = event.WithBytes(int(r.Bytes.Int64))
	}
	if r.Detail.Valid {
		if err := json.Unmarshal([]byte(r.Detail.String), &event.Detail); err != nil {
			return Event{}, errors.Wrapf(err, "failed to decode detail of audit event %d", r.ID)
		}
	}
	return event, nil
}
