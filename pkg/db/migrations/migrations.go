// Package migrations holds the skillbox schema history.
package migrations

import "github.com/jingkaihe/skillbox/pkg/db"

// All returns every skillbox migration.
func All() []db.Migration {
	return []db.Migration{
		createAuditEvents(),
		createSkillSessions(),
	}
}
