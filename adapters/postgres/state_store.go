package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"shadowgate/domain/core"
	"shadowgate/ports"
)

// stateSchema is a single-row table holding the whole lifecycle record
// as JSONB. The check constraint pins the row count to one.
const stateSchema = `
CREATE TABLE IF NOT EXISTS candidate_state (
	id          SMALLINT PRIMARY KEY CHECK (id = 1),
	record      JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`

// StateRepository persists the candidate lifecycle record.
type StateRepository struct {
	db *sqlx.DB
}

// NewStateRepository creates a new candidate state repository.
func NewStateRepository(db *sqlx.DB) *StateRepository {
	return &StateRepository{db: db}
}

var _ ports.StateStore = (*StateRepository)(nil)

// EnsureSchema creates the candidate state table if missing.
func (r *StateRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, stateSchema); err != nil {
		return fmt.Errorf("failed to create candidate_state table: %w", err)
	}
	return nil
}

// Load returns the saved lifecycle record, if any.
func (r *StateRepository) Load(ctx context.Context) (ports.StateRecord, bool, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM candidate_state WHERE id = 1`).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return ports.StateRecord{}, false, nil
		}
		return ports.StateRecord{}, false, fmt.Errorf("failed to load candidate state: %w", err)
	}

	var rec ports.StateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ports.StateRecord{}, false, fmt.Errorf("failed to unmarshal candidate state: %w", err)
	}
	return rec, true, nil
}

// Save upserts the singleton lifecycle record.
func (r *StateRepository) Save(ctx context.Context, rec ports.StateRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate state: %w", err)
	}

	query := `
		INSERT INTO candidate_state (id, record, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, raw, core.Now().Time()); err != nil {
		return fmt.Errorf("failed to save candidate state: %w", err)
	}
	return nil
}
