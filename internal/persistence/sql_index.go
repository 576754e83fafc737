package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetkit/agentfleet/internal/db/dialect"
)

// sqlIndex is a secondary index over known session ids, backed by the same
// SQLite or Postgres database selected by Provide. The authoritative record
// for a session always lives under the filesystem layout in Store; this
// index exists so List can answer without a directory scan and so external
// collaborators can query by status without opening every state file.
type sqlIndex struct {
	db     *sqlx.DB
	driver string
}

func newSQLIndex(db *sqlx.DB, driver string) *sqlIndex {
	return &sqlIndex{db: db, driver: driver}
}

func (idx *sqlIndex) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_index (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		agent_role TEXT,
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	_, err := idx.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate session_index: %w", err)
	}
	return nil
}

func (idx *sqlIndex) upsert(ctx context.Context, st SessionState) error {
	now := time.Now().UTC()
	if dialect.IsPostgres(idx.driver) {
		query := idx.db.Rebind(`
			INSERT INTO session_index (id, status, agent_role, created_at, last_activity, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				agent_role = EXCLUDED.agent_role,
				last_activity = EXCLUDED.last_activity,
				updated_at = EXCLUDED.updated_at`)
		_, err := idx.db.ExecContext(ctx, query, st.ID, st.Status, st.AgentRole, st.CreatedAt, st.LastActivity, now)
		return err
	}

	query := idx.db.Rebind(`
		INSERT INTO session_index (id, status, agent_role, created_at, last_activity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			agent_role = excluded.agent_role,
			last_activity = excluded.last_activity,
			updated_at = excluded.updated_at`)
	_, err := idx.db.ExecContext(ctx, query, st.ID, st.Status, st.AgentRole, st.CreatedAt, st.LastActivity, now)
	return err
}

func (idx *sqlIndex) delete(ctx context.Context, id string) error {
	query := idx.db.Rebind(`DELETE FROM session_index WHERE id = ?`)
	_, err := idx.db.ExecContext(ctx, query, id)
	return err
}

func (idx *sqlIndex) list(ctx context.Context) ([]string, error) {
	query := idx.db.Rebind(`SELECT id FROM session_index ORDER BY created_at ASC`)
	var ids []string
	if err := idx.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list session_index: %w", err)
	}
	return ids, nil
}
