package migrations

import (
	"context"

	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jmoiron/sqlx"
)

func createAuditEvents() db.Migration {
	return db.Migration{
		Version:     20261001090000,
		Description: "Create audit_events table",
		Up: func(ctx context.Context, tx *sqlx.Tx) error {
			statements := []string{
				`CREATE TABLE IF NOT EXISTS audit_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					ts DATETIME NOT NULL,
					kind TEXT NOT NULL,
					skill TEXT NOT NULL,
					path TEXT,
					bytes INTEGER,
					sha256 TEXT,
					detail TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_events_skill ON audit_events(skill)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts)`,
			}
			for _, stmt := range statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS audit_events")
			return err
		},
	}
}
