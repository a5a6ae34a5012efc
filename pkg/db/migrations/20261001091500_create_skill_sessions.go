package migrations

import (
	"context"

	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jmoiron/sqlx"
)

func createSkillSessions() db.Migration {
	return db.Migration{
		Version:     20261001091500,
		Description: "Create skill_sessions table",
		Up: func(ctx context.Context, tx *sqlx.Tx) error {
			statements := []string{
				`CREATE TABLE IF NOT EXISTS skill_sessions (
					id TEXT PRIMARY KEY,
					skill TEXT NOT NULL,
					state TEXT NOT NULL,
					data TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_skill_sessions_skill ON skill_sessions(skill)`,
				`CREATE INDEX IF NOT EXISTS idx_skill_sessions_updated_at ON skill_sessions(updated_at DESC)`,
			}
			for _, stmt := range statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS skill_sessions")
			return err
		},
	}
}
