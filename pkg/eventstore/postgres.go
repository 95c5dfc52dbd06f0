package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/keelhq/keel/pkg/deal"
)

// PostgresStore persists the log in Postgres. Appends run in a transaction
// that re-reads the head before inserting; the unique constraint on
// (deal_id, seq) catches the race a stale read would let through.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an opened database and runs the schema migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects with the lib/pq driver and returns a migrated store.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("eventstore: ping postgres: %w", err)
	}
	return NewPostgresStore(db)
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS deals (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	name TEXT NOT NULL,
	state TEXT NOT NULL,
	stress_mode TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deal_events (
	id TEXT PRIMARY KEY,
	deal_id TEXT NOT NULL REFERENCES deals(id),
	seq BIGINT NOT NULL,
	type TEXT NOT NULL,
	actor_id TEXT,
	payload JSONB,
	authority_context JSONB,
	evidence_refs JSONB,
	override_used BOOLEAN NOT NULL DEFAULT FALSE,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (deal_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_deal_events_deal_seq ON deal_events (deal_id, seq);
`

func (s *PostgresStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), pgSchema)
	return err
}

func (s *PostgresStore) CreateDeal(ctx context.Context, d deal.Deal) error {
	query := `INSERT INTO deals (id, org_id, name, state, stress_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.OrgID, d.Name, string(d.State), string(d.StressMode), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("eventstore: create deal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeal(ctx context.Context, orgID, dealID string) (deal.Deal, error) {
	query := `SELECT id, org_id, name, state, stress_mode, created_at, updated_at
		FROM deals WHERE id = $1 AND org_id = $2`
	row := s.db.QueryRowContext(ctx, query, dealID, orgID)

	var (
		d          deal.Deal
		state      string
		stressMode string
	)
	err := row.Scan(&d.ID, &d.OrgID, &d.Name, &state, &stressMode, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deal.Deal{}, ErrNotFound
		}
		return deal.Deal{}, err
	}
	d.State = deal.State(state)
	d.StressMode = deal.StressMode(stressMode)
	return d, nil
}

func (s *PostgresStore) ListDeals(ctx context.Context, orgID string) ([]deal.Deal, error) {
	query := `SELECT id, org_id, name, state, stress_mode, created_at, updated_at
		FROM deals WHERE org_id = $1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	deals := make([]deal.Deal, 0)
	for rows.Next() {
		var (
			d          deal.Deal
			state      string
			stressMode string
		)
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Name, &state, &stressMode, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.State = deal.State(state)
		d.StressMode = deal.StressMode(stressMode)
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deals, nil
}

func (s *PostgresStore) Append(ctx context.Context, expectedSeq int64, ev deal.Event, mirror StateMirror) (deal.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return deal.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM deals WHERE id = $1`, ev.DealID).Scan(&exists); err != nil {
		return deal.Event{}, err
	}
	if exists == 0 {
		return deal.Event{}, ErrNotFound
	}

	head := int64(0)
	prev := GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM deal_events WHERE deal_id = $1 ORDER BY seq DESC LIMIT 1`,
		ev.DealID).Scan(&head, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return deal.Event{}, err
	}
	if expectedSeq != head {
		return deal.Event{}, ErrConcurrency
	}

	ev.Sequence = head + 1
	ev.PrevHash = prev
	hash, err := ChainHash(prev, ev)
	if err != nil {
		return deal.Event{}, err
	}
	ev.Hash = hash

	refsJSON, err := json.Marshal(ev.EvidenceRefs)
	if err != nil {
		return deal.Event{}, fmt.Errorf("eventstore: marshal evidence refs: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO deal_events (
		id, deal_id, seq, type, actor_id, payload, authority_context, evidence_refs,
		override_used, prev_hash, hash, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.DealID, ev.Sequence, ev.Type, nullable(ev.ActorID),
		rawOrNull(ev.Payload), rawOrNull(ev.AuthorityContext), string(refsJSON),
		ev.OverrideUsed, ev.PrevHash, ev.Hash, ev.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return deal.Event{}, ErrConcurrency
		}
		return deal.Event{}, fmt.Errorf("eventstore: insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE deals SET state = $1, stress_mode = $2, updated_at = $3 WHERE id = $4`,
		string(mirror.State), string(mirror.StressMode), ev.CreatedAt, ev.DealID)
	if err != nil {
		return deal.Event{}, fmt.Errorf("eventstore: mirror deal state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return deal.Event{}, err
	}
	return ev, nil
}

func (s *PostgresStore) Events(ctx context.Context, dealID string) ([]deal.Event, error) {
	query := `SELECT id, deal_id, seq, type, actor_id, payload, authority_context, evidence_refs,
		override_used, prev_hash, hash, created_at
		FROM deal_events WHERE deal_id = $1 ORDER BY seq ASC`
	return s.queryEvents(ctx, query, dealID)
}

func (s *PostgresStore) EventsUpTo(ctx context.Context, dealID string, at time.Time) ([]deal.Event, error) {
	query := `SELECT id, deal_id, seq, type, actor_id, payload, authority_context, evidence_refs,
		override_used, prev_hash, hash, created_at
		FROM deal_events WHERE deal_id = $1 AND created_at <= $2 ORDER BY seq ASC`
	return s.queryEvents(ctx, query, dealID, at)
}

func (s *PostgresStore) Head(ctx context.Context, dealID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM deal_events WHERE deal_id = $1`, dealID).Scan(&head)
	if err != nil {
		return 0, err
	}
	return head, nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]deal.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := make([]deal.Event, 0)
	for rows.Next() {
		var (
			ev           deal.Event
			actorID      sql.NullString
			payload      sql.NullString
			authorityCtx sql.NullString
			refsJSON     sql.NullString
		)
		err := rows.Scan(&ev.ID, &ev.DealID, &ev.Sequence, &ev.Type, &actorID,
			&payload, &authorityCtx, &refsJSON, &ev.OverrideUsed, &ev.PrevHash, &ev.Hash, &ev.CreatedAt)
		if err != nil {
			return nil, err
		}
		ev.ActorID = actorID.String
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		if authorityCtx.Valid && authorityCtx.String != "" {
			ev.AuthorityContext = json.RawMessage(authorityCtx.String)
		}
		if refsJSON.Valid && refsJSON.String != "" {
			if err := json.Unmarshal([]byte(refsJSON.String), &ev.EvidenceRefs); err != nil {
				return nil, fmt.Errorf("eventstore: corrupt evidence refs: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// isUniqueViolation reports Postgres error class 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
