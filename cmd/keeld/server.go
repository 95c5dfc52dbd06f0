package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/keelhq/keel/pkg/api"
	"github.com/keelhq/keel/pkg/artifacts"
	"github.com/keelhq/keel/pkg/audit"
	"github.com/keelhq/keel/pkg/auth"
	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/limiter"
	"github.com/keelhq/keel/pkg/observability"
	"github.com/keelhq/keel/pkg/outbox"
	"github.com/keelhq/keel/pkg/proofpack"
)

//nolint:gocognit,gocyclo
func runServer() {
	log.Println("[keel] kernel starting")
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event store
	store, db, err := openEventStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open event store: %v", err)
	}
	if cfg.UsePostgres() {
		log.Println("[keel] postgres: connected")
	} else {
		log.Printf("[keel] sqlite: %s", cfg.DBPath)
	}

	// Authority ruleset
	rules, err := loadRuleset(cfg)
	if err != nil {
		log.Fatalf("Failed to load authority profile: %v", err)
	}
	log.Printf("[keel] ruleset: %s (%s)", rules.Version(), rules.Hash())

	// Pack seal signer
	signer, err := loadSigner(cfg)
	if err != nil {
		log.Fatalf("Failed to init pack seal signer: %v", err)
	}
	if signer == nil {
		log.Println("[keel] pack sealing: disabled (KEEL_PACK_SEAL_SEED not set)")
	} else {
		log.Printf("[keel] pack sealing: %s", signer.KeyID())
	}

	// Evidence store
	blob, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to init evidence store: %v", err)
	}
	trusted := trustedKeys(os.Getenv("KEEL_TRUSTED_KEYS"))
	if signer != nil {
		trusted[signer.KeyID()] = signer.PublicKey()
	}
	evidence := artifacts.NewRegistry(blob, trusted)
	log.Printf("[keel] evidence store: ready (%d trusted keys)", len(trusted))

	// Webhook ingress keys
	var hookKeys *auth.WebhookKeys
	if cfg.WebhookSecret != "" {
		hookKeys, err = auth.NewWebhookKeys(cfg.WebhookSecret)
		if err != nil {
			log.Fatalf("Failed to init webhook keys: %v", err)
		}
	} else {
		log.Println("[keel] webhook ingress: disabled (KEEL_WEBHOOK_SECRET not set)")
	}

	// Observability (non-fatal, degraded mode)
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = cfg.OTLPInsecure
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Printf("[keel] observability init failed (degraded mode): %v", err)
		provider = nil
	}

	// Outbox
	var obxStore outbox.Store
	if cfg.UsePostgres() {
		obxStore, err = outbox.NewPostgresStore(db)
		if err != nil {
			log.Fatalf("Failed to init outbox store: %v", err)
		}
	} else {
		obxStore = outbox.NewMemoryStore()
	}

	// Kernel
	k := kernel.New(store, rules, kernel.WithLogger(logger), kernel.WithSink(obxStore))
	log.Println("[keel] kernel: ready")

	// Outbox dispatcher
	subs, err := loadSubscriptions(os.Getenv("KEEL_SUBSCRIPTIONS_PATH"))
	if err != nil {
		log.Fatalf("Failed to load subscriptions: %v", err)
	}
	if len(subs) > 0 {
		deliverer := outbox.NewWebhookDeliverer(nil, hookKeys)
		dispatcher, err := outbox.NewDispatcher(obxStore, subs, deliverer, logger)
		if err != nil {
			log.Fatalf("Failed to init outbox dispatcher: %v", err)
		}
		go dispatcher.Run(ctx, 5*time.Second)
		log.Printf("[keel] outbox dispatcher: %d subscriptions", len(subs))
	}

	// API server
	validator := auth.NewJWTValidator(cfg.JWTSecret)
	if validator == nil {
		log.Println("[keel] WARNING: KEEL_JWT_SECRET not set; API requests will be rejected")
	}

	var limStore limiter.Store
	if cfg.RedisAddr != "" {
		limStore = limiter.NewRedisStore(cfg.RedisAddr, "", 0)
		log.Printf("[keel] rate limiter: redis %s", cfg.RedisAddr)
	} else {
		limStore = limiter.NewMemoryStore()
	}

	apiServer := api.NewServer(api.Config{
		Kernel:   k,
		Exporter: proofpack.NewExporter(k, signer),
		Evidence: evidence,
		HookKeys: hookKeys,
		Audit:    audit.NewLogger(),
		Metrics:  provider,
		Logger:   logger,
		Ready: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
	})

	globalRPS := cfg.RateRPM / 60
	if globalRPS < 1 {
		globalRPS = 1
	}
	handler := auth.RequestIDMiddleware(
		auth.CORSMiddleware(nil)(
			api.NewGlobalRateLimiter(globalRPS, cfg.RateBurst).Middleware(
				auth.NewMiddleware(validator)(
					auth.RateLimitMiddleware(limStore, limiter.Policy{RPM: cfg.RateRPM, Burst: cfg.RateBurst})(
						apiServer.Routes(),
					),
				),
			),
		),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	log.Printf("[keel] ready: http://localhost:%s", cfg.Port)
	log.Println("[keel] press ctrl+c to stop")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[keel] shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[keel] server shutdown: %v", err)
	}
	if provider != nil {
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("[keel] observability shutdown: %v", err)
		}
	}
	_ = db.Close()
	log.Println("[keel] shutdown complete")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// trustedKeys parses KEEL_TRUSTED_KEYS, a comma-separated list of
// keyID=publicKeyHex pairs naming the producer keys whose evidence
// signatures the registry should accept.
func trustedKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, pub, ok := strings.Cut(pair, "=")
		if !ok || id == "" || pub == "" {
			log.Printf("[keel] ignoring malformed trusted key entry %q", pair)
			continue
		}
		keys[strings.TrimSpace(id)] = strings.TrimSpace(pub)
	}
	return keys
}

// loadSubscriptions reads the outbox subscription list from the JSON file at
// path. An empty path means no subscriptions and no dispatcher.
func loadSubscriptions(path string) ([]outbox.Subscription, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	var subs []outbox.Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("parse subscriptions: %w", err)
	}
	for i, sub := range subs {
		if sub.Name == "" || sub.Target == "" {
			return nil, fmt.Errorf("subscription %d: name and target are required", i)
		}
	}
	return subs, nil
}
