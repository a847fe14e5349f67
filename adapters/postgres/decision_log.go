package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
	"shadowgate/ports"
)

// schema is the decision log table. The unique key on (cycle_date,
// cycle_session) is the append-once guarantee; outcome columns start
// NULL and are written exactly once.
const schema = `
CREATE TABLE IF NOT EXISTS decision_log (
	seq              BIGSERIAL PRIMARY KEY,
	cycle_date       TEXT NOT NULL,
	cycle_session    TEXT NOT NULL,
	baseline_prob    DOUBLE PRECISION NOT NULL,
	candidate_prob   DOUBLE PRECISION NOT NULL,
	result           JSONB NOT NULL,
	candidate_state  TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	phase            TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	outcome          JSONB,
	UNIQUE (cycle_date, cycle_session)
)`

// DecisionLogRepository persists the append-only decision log.
type DecisionLogRepository struct {
	db *sqlx.DB
}

// NewDecisionLogRepository creates a new decision log repository.
func NewDecisionLogRepository(db *sqlx.DB) *DecisionLogRepository {
	return &DecisionLogRepository{db: db}
}

var _ ports.DecisionLog = (*DecisionLogRepository)(nil)

// Connect opens a postgres connection pool.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// EnsureSchema creates the decision log table if missing.
func (r *DecisionLogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create decision_log table: %w", err)
	}
	return nil
}

// Append inserts one entry. A key collision maps to ErrDuplicateCycle.
func (r *DecisionLogRepository) Append(ctx context.Context, entry *forecast.DecisionLogEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal adjustment result: %w", err)
	}

	query := `
		INSERT INTO decision_log (
			cycle_date, cycle_session, baseline_prob, candidate_prob,
			result, candidate_state, fingerprint, phase, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (cycle_date, cycle_session) DO NOTHING
		RETURNING seq`

	err = r.db.QueryRowContext(ctx, query,
		entry.Key.Date,
		string(entry.Key.Session),
		entry.BaselineProbability,
		entry.CandidateProbability,
		resultJSON,
		entry.CandidateState,
		entry.Fingerprint.String(),
		string(entry.Phase),
		entry.CreatedAt.Time(),
	).Scan(&entry.Seq)

	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", core.ErrDuplicateCycle, entry.Key)
		}
		return fmt.Errorf("failed to append decision log entry: %w", err)
	}
	return nil
}

// RecordOutcome completes an entry exactly once. The guard is the NULL
// check on the outcome column, not application state.
func (r *DecisionLogRepository) RecordOutcome(ctx context.Context, key core.CycleKey, outcome forecast.OutcomeRecord) error {
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	query := `
		UPDATE decision_log
		SET outcome = $1, phase = $2
		WHERE cycle_date = $3 AND cycle_session = $4 AND outcome IS NULL`

	res, err := r.db.ExecContext(ctx, query, outcomeJSON, string(forecast.PhaseOutcomeRecorded), key.Date, string(key.Session))
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		// Either the cycle is unknown or already closed.
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM decision_log WHERE cycle_date = $1 AND cycle_session = $2)`,
			key.Date, string(key.Session)).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check cycle existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", core.ErrCycleNotFound, key)
		}
		return fmt.Errorf("%w: outcome for %s already recorded", core.ErrDuplicateCycle, key)
	}
	return nil
}

// Close moves an outcome-recorded entry to CLOSED. Re-closing a closed
// entry is a no-op; a cycle without an outcome cannot close.
func (r *DecisionLogRepository) Close(ctx context.Context, key core.CycleKey) error {
	query := `
		UPDATE decision_log
		SET phase = $1
		WHERE cycle_date = $2 AND cycle_session = $3 AND outcome IS NOT NULL`

	res, err := r.db.ExecContext(ctx, query, string(forecast.PhaseClosed), key.Date, string(key.Session))
	if err != nil {
		return fmt.Errorf("failed to close decision log entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM decision_log WHERE cycle_date = $1 AND cycle_session = $2)`,
			key.Date, string(key.Session)).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check cycle existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", core.ErrCycleNotFound, key)
		}
		return fmt.Errorf("%w: cannot close %s before its outcome", core.ErrInvalidInput, key)
	}
	return nil
}

// Get returns the entry for the key.
func (r *DecisionLogRepository) Get(ctx context.Context, key core.CycleKey) (*forecast.DecisionLogEntry, error) {
	query := `
		SELECT seq, cycle_date, cycle_session, baseline_prob, candidate_prob,
		       result, candidate_state, fingerprint, phase, created_at, outcome
		FROM decision_log
		WHERE cycle_date = $1 AND cycle_session = $2`

	row := r.db.QueryRowContext(ctx, query, key.Date, string(key.Session))
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", core.ErrCycleNotFound, key)
		}
		return nil, fmt.Errorf("failed to get decision log entry: %w", err)
	}
	return entry, nil
}

// ReadSince returns entries after the cursor, oldest first.
func (r *DecisionLogRepository) ReadSince(ctx context.Context, cursor ports.Cursor) ([]forecast.DecisionLogEntry, ports.Cursor, error) {
	query := `
		SELECT seq, cycle_date, cycle_session, baseline_prob, candidate_prob,
		       result, candidate_state, fingerprint, phase, created_at, outcome
		FROM decision_log
		WHERE seq > $1
		ORDER BY seq ASC`

	rows, err := r.db.QueryContext(ctx, query, int64(cursor))
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to read decision log: %w", err)
	}
	defer rows.Close()

	var out []forecast.DecisionLogEntry
	next := cursor
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, cursor, fmt.Errorf("failed to scan decision log entry: %w", err)
		}
		out = append(out, *entry)
		if ports.Cursor(entry.Seq) > next {
			next = ports.Cursor(entry.Seq)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("failed to iterate decision log: %w", err)
	}
	return out, next, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*forecast.DecisionLogEntry, error) {
	var (
		entry       forecast.DecisionLogEntry
		date        string
		session     string
		resultJSON  []byte
		fingerprint string
		phase       string
		createdAt   time.Time
		outcomeJSON []byte
	)
	err := row.Scan(
		&entry.Seq,
		&date,
		&session,
		&entry.BaselineProbability,
		&entry.CandidateProbability,
		&resultJSON,
		&entry.CandidateState,
		&fingerprint,
		&phase,
		&createdAt,
		&outcomeJSON,
	)
	if err != nil {
		return nil, err
	}

	entry.Key = core.CycleKey{Date: date, Session: core.Session(session)}
	entry.Fingerprint = core.InputFingerprint(fingerprint)
	entry.Phase = forecast.CyclePhase(phase)
	entry.CreatedAt = core.NewTimestamp(createdAt)
	if err := json.Unmarshal(resultJSON, &entry.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal adjustment result: %w", err)
	}
	if outcomeJSON != nil {
		var outcome forecast.OutcomeRecord
		if err := json.Unmarshal(outcomeJSON, &outcome); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
		}
		entry.Outcome = &outcome
	}
	return &entry, nil
}
