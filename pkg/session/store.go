package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/jingkaihe/skillbox/pkg/audit"
	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/db/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// jsonField stores T as a JSON text column.
type jsonField[T any] struct {
	Data T
}

func (j *jsonField[T]) Scan(value any) error {
	if value == nil {
		return nil
	}

	raw, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.Errorf("cannot scan %T into jsonField", value)
		}
		raw = []byte(str)
	}

	return json.Unmarshal(raw, &j.Data)
}

func (j jsonField[T]) Value() (driver.Value, error) {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

type sessionData struct {
	Artifacts map[string]any `json:"artifacts"`
	Audit     []audit.Event  `json:"audit"`
}

type sessionRecord struct {
	ID        string                 `db:"id"`
	Skill     string                 `db:"skill"`
	State     string                 `db:"state"`
	Data      jsonField[sessionData] `db:"data"`
	CreatedAt time.Time              `db:"created_at"`
	UpdatedAt time.Time              `db:"updated_at"`
}

// SQLiteStore keeps session snapshots in the skill_sessions table.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(conn *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: conn}
}

// OpenSQLiteStore opens the database at path and applies migrations.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	conn, err := db.OpenMigrated(ctx, path, migrations.All())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open session database")
	}
	return NewSQLiteStore(conn), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the snapshot.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	record := sessionRecord{
		ID:    snap.ID,
		Skill: snap.SkillName,
		State: string(snap.State),
		Data: jsonField[sessionData]{Data: sessionData{
			Artifacts: snap.Artifacts,
			Audit:     snap.Audit,
		}},
		CreatedAt: snap.CreatedAt.UTC(),
		UpdatedAt: snap.UpdatedAt.UTC(),
	}

	return db.RetryBusy(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO skill_sessions (id, skill, state, data, created_at, updated_at)
			VALUES (:id, :skill, :state, :data, :created_at, :updated_at)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				data = excluded.data,
				updated_at = excluded.updated_at
		`, record)
		return errors.Wrap(err, "failed to save session")
	})
}

// Load returns the snapshot with id, or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, id string) (Snapshot, error) {
	var record sessionRecord
	err := s.db.GetContext(ctx, &record, `
		SELECT id, skill, state, data, created_at, updated_at
		FROM skill_sessions WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "failed to load session")
	}
	return record.snapshot()
}

// List returns stored snapshots, most recently updated first. An empty skill
// lists every session.
func (s *SQLiteStore) List(ctx context.Context, skill string) ([]Snapshot, error) {
	query := `SELECT id, skill, state, data, created_at, updated_at FROM skill_sessions`
	var args []any
	if skill != "" {
		query += ` WHERE skill = ?`
		args = append(args, skill)
	}
	query += ` ORDER BY updated_at DESC`

	var records []sessionRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}

	snaps := make([]Snapshot, 0, len(records))
	for _, record := range records {
		snap, err := record.snapshot()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (r sessionRecord) snapshot() (Snapshot, error) {
	state, err := ParseState(r.State)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "session %s", r.ID)
	}
	artifacts := r.Data.Data.Artifacts
	if artifacts == nil {
		artifacts = map[string]any{}
	}
	return Snapshot{
		ID:        r.ID,
		SkillName: r.Skill,
		State:     state,
		Artifacts: artifacts,
		Audit:     r.Data.Data.Audit,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}, nil
}
