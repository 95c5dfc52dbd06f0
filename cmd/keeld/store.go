package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keelhq/keel/pkg/authority"
	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/eventstore"
	"github.com/keelhq/keel/pkg/sign"
)

const packSealKeyID = "keel-pack-seal"

// openEventStore opens the event store selected by cfg: Postgres when
// DATABASE_URL is set, SQLite at KEEL_DB_PATH otherwise. The returned DB
// handle backs readiness pings and, on Postgres, the outbox table.
func openEventStore(ctx context.Context, cfg *config.Config) (eventstore.Store, *sql.DB, error) {
	if cfg.UsePostgres() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := eventstore.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db, nil
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := eventstore.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// loadRuleset loads the authority profile at KEEL_RULES_PATH, falling back
// to the built-in default ruleset when unset.
func loadRuleset(cfg *config.Config) (*authority.Ruleset, error) {
	if cfg.RulesPath == "" {
		return authority.DefaultRuleset(), nil
	}
	return authority.LoadProfile(cfg.RulesPath)
}

// loadSigner builds the pack seal signer from KEEL_PACK_SEAL_SEED. A nil
// signer means proof packs export unsealed.
func loadSigner(cfg *config.Config) (sign.Signer, error) {
	if cfg.PackSealSeed == "" {
		return nil, nil
	}
	s, err := sign.FromSeedHex(cfg.PackSealSeed, packSealKeyID)
	if err != nil {
		return nil, err
	}
	return s, nil
}
