package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keelhq/keel/pkg/deal"
)

// PostgresStore persists outbox rows in Postgres. The full event travels as
// JSON so the dispatcher never has to join back to the log.
type PostgresStore struct {
	db          *sql.DB
	maxAttempts int
}

// NewPostgresStore wraps an opened database and runs the schema migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, maxAttempts: DefaultMaxAttempts}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithMaxAttempts replaces the attempt budget.
func (s *PostgresStore) WithMaxAttempts(n int) *PostgresStore {
	s.maxAttempts = n
	return s
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS deal_outbox (
	event_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	deal_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	event_json JSONB NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_deal_outbox_pending ON deal_outbox (status, enqueued_at);
`

func (s *PostgresStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), pgSchema)
	return err
}

func (s *PostgresStore) Enqueue(ctx context.Context, orgID string, ev deal.Event) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("outbox: encode event: %w", err)
	}

	query := `INSERT INTO deal_outbox (event_id, org_id, deal_id, seq, event_type, event_json, enqueued_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING')
		ON CONFLICT (event_id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		ev.ID, orgID, ev.DealID, ev.Sequence, ev.Type, string(eventJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]Row, error) {
	query := `SELECT event_id, org_id, deal_id, seq, event_type, event_json, enqueued_at, status, attempts, COALESCE(last_error, '')
		FROM deal_outbox WHERE status = 'PENDING' ORDER BY enqueued_at ASC, seq ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Row, 0)
	for rows.Next() {
		var (
			row       Row
			eventJSON []byte
		)
		if err := rows.Scan(&row.EventID, &row.OrgID, &row.DealID, &row.Seq, &row.EventType,
			&eventJSON, &row.EnqueuedAt, &row.Status, &row.Attempts, &row.LastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(eventJSON, &row.Event); err != nil {
			return nil, fmt.Errorf("outbox: corrupt event JSON in row %s: %w", row.EventID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) MarkDone(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deal_outbox SET status = 'DONE' WHERE event_id = $1`, eventID)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID, reason string) error {
	query := `UPDATE deal_outbox
		SET attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN attempts + 1 >= $3 THEN 'FAILED' ELSE 'PENDING' END
		WHERE event_id = $1`
	_, err := s.db.ExecContext(ctx, query, eventID, reason, s.maxAttempts)
	return err
}
