package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keelhq/keel/pkg/deal"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the log in an embedded SQLite database. The
// UNIQUE(deal_id, seq) constraint is the concurrency backstop behind the
// optimistic expected-sequence check.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database and runs the schema migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database at path and returns a migrated
// store. A single writer connection avoids SQLITE_BUSY churn under load.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS deals (
        id TEXT PRIMARY KEY,
        org_id TEXT NOT NULL,
        name TEXT NOT NULL,
        state TEXT NOT NULL,
        stress_mode TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS deal_events (
        id TEXT PRIMARY KEY,
        deal_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        type TEXT NOT NULL,
        actor_id TEXT,
        payload JSON,
        authority_context JSON,
        evidence_refs JSON,
        override_used INTEGER NOT NULL DEFAULT 0,
        prev_hash TEXT NOT NULL,
        hash TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        UNIQUE (deal_id, seq)
    );
    CREATE INDEX IF NOT EXISTS idx_deal_events_deal_seq ON deal_events (deal_id, seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) CreateDeal(ctx context.Context, d deal.Deal) error {
	query := `INSERT INTO deals (id, org_id, name, state, stress_mode, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.OrgID, d.Name, string(d.State), string(d.StressMode),
		d.CreatedAt.UTC().Format(time.RFC3339Nano), d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return fmt.Errorf("eventstore: create deal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDeal(ctx context.Context, orgID, dealID string) (deal.Deal, error) {
	query := `SELECT id, org_id, name, state, stress_mode, created_at, updated_at
        FROM deals WHERE id = ? AND org_id = ?`
	row := s.db.QueryRowContext(ctx, query, dealID, orgID)
	return scanDealRow(row)
}

func (s *SQLiteStore) ListDeals(ctx context.Context, orgID string) ([]deal.Deal, error) {
	query := `SELECT id, org_id, name, state, stress_mode, created_at, updated_at
        FROM deals WHERE org_id = ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	deals := make([]deal.Deal, 0)
	for rows.Next() {
		d, err := scanDealRow(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deals, nil
}

func (s *SQLiteStore) Append(ctx context.Context, expectedSeq int64, ev deal.Event, mirror StateMirror) (deal.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return deal.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM deals WHERE id = ?`, ev.DealID).Scan(&exists); err != nil {
		return deal.Event{}, err
	}
	if exists == 0 {
		return deal.Event{}, ErrNotFound
	}

	head := int64(0)
	prev := GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM deal_events WHERE deal_id = ? ORDER BY seq DESC LIMIT 1`,
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
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.DealID, ev.Sequence, ev.Type, nullable(ev.ActorID),
		rawOrNull(ev.Payload), rawOrNull(ev.AuthorityContext), string(refsJSON),
		boolToInt(ev.OverrideUsed), ev.PrevHash, ev.Hash,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return deal.Event{}, ErrConcurrency
		}
		return deal.Event{}, fmt.Errorf("eventstore: insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE deals SET state = ?, stress_mode = ?, updated_at = ? WHERE id = ?`,
		string(mirror.State), string(mirror.StressMode),
		ev.CreatedAt.UTC().Format(time.RFC3339Nano), ev.DealID,
	)
	if err != nil {
		return deal.Event{}, fmt.Errorf("eventstore: mirror deal state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return deal.Event{}, err
	}
	return ev, nil
}

func (s *SQLiteStore) Events(ctx context.Context, dealID string) ([]deal.Event, error) {
	query := `SELECT id, deal_id, seq, type, actor_id, payload, authority_context, evidence_refs,
        override_used, prev_hash, hash, created_at
        FROM deal_events WHERE deal_id = ? ORDER BY seq ASC`
	return s.queryEvents(ctx, query, dealID)
}

func (s *SQLiteStore) EventsUpTo(ctx context.Context, dealID string, at time.Time) ([]deal.Event, error) {
	query := `SELECT id, deal_id, seq, type, actor_id, payload, authority_context, evidence_refs,
        override_used, prev_hash, hash, created_at
        FROM deal_events WHERE deal_id = ? AND created_at <= ? ORDER BY seq ASC`
	return s.queryEvents(ctx, query, dealID, at.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) Head(ctx context.Context, dealID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM deal_events WHERE deal_id = ?`, dealID).Scan(&head)
	if err != nil {
		return 0, err
	}
	return head, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]deal.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := make([]deal.Event, 0)
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDealRow(row rowScanner) (deal.Deal, error) {
	var (
		d          deal.Deal
		state      string
		stressMode string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&d.ID, &d.OrgID, &d.Name, &state, &stressMode, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deal.Deal{}, ErrNotFound
		}
		return deal.Deal{}, err
	}
	d.State = deal.State(state)
	d.StressMode = deal.StressMode(stressMode)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return d, nil
}

func scanEventRow(row rowScanner) (deal.Event, error) {
	var (
		ev           deal.Event
		actorID      sql.NullString
		payload      sql.NullString
		authorityCtx sql.NullString
		refsJSON     sql.NullString
		overrideUsed int
		createdAt    string
	)
	err := row.Scan(&ev.ID, &ev.DealID, &ev.Sequence, &ev.Type, &actorID,
		&payload, &authorityCtx, &refsJSON, &overrideUsed, &ev.PrevHash, &ev.Hash, &createdAt)
	if err != nil {
		return deal.Event{}, err
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
			return deal.Event{}, fmt.Errorf("eventstore: corrupt evidence refs: %w", err)
		}
	}
	ev.OverrideUsed = overrideUsed != 0
	ev.CreatedAt = parseTime(createdAt)
	return ev, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
