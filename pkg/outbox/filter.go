package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// Subscription filters are CEL expressions over one variable, `event`, and
// must be deterministic: the same row always matches or never does, no
// matter where or when the filter runs. Clock, randomness, and regex
// functions are rejected at registration.

// Issue is one reason a filter expression was rejected.
type Issue struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Validator screens filter expressions for nondeterministic constructs
// before they are ever compiled.
type Validator struct {
	bannedFunctions map[string]bool
	bannedTypes     map[string]bool
}

func NewValidator() *Validator {
	return &Validator{
		bannedFunctions: map[string]bool{
			"now":       true,
			"timestamp": true,
			"duration":  true,
			"random":    true,
			"uuid":      true,
			"matches":   true,
			"getDate":   true,
			"getHours":  true,
			"getMonth":  true,
		},
		bannedTypes: map[string]bool{
			"double": true,
			"float":  true,
		},
	}
}

// Validate returns every issue found in the expression; an empty slice
// means the filter is acceptable.
func (v *Validator) Validate(expr string) []Issue {
	var issues []Issue

	for fn := range v.bannedFunctions {
		if containsCall(expr, fn) {
			issues = append(issues, Issue{
				Kind:    "banned_function",
				Name:    fn,
				Message: fmt.Sprintf("function %q is not allowed in subscription filters", fn),
			})
		}
	}
	for typ := range v.bannedTypes {
		if containsWord(expr, typ) {
			issues = append(issues, Issue{
				Kind:    "banned_type",
				Name:    typ,
				Message: fmt.Sprintf("type %q is not allowed in subscription filters; use int", typ),
			})
		}
	}
	for _, op := range []string{"type(", "dyn("} {
		if strings.Contains(expr, op) {
			issues = append(issues, Issue{
				Kind:    "dynamic_op",
				Name:    op,
				Message: fmt.Sprintf("dynamic operation %q may vary by implementation", op),
			})
		}
	}
	return issues
}

func containsCall(expr, funcName string) bool {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(funcName) + `\s*\(`).MatchString(expr)
}

func containsWord(expr, word string) bool {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`).MatchString(expr)
}

// Filters compiles and caches subscription filter programs.
type Filters struct {
	env       *cel.Env
	validator *Validator
	mu        sync.RWMutex
	programs  map[string]cel.Program
}

func NewFilters() (*Filters, error) {
	env, err := cel.NewEnv(cel.Variable("event", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("outbox: create CEL environment: %w", err)
	}
	return &Filters{
		env:       env,
		validator: NewValidator(),
		programs:  make(map[string]cel.Program),
	}, nil
}

// Compile validates and caches an expression. An empty expression is the
// match-everything filter and always compiles.
func (f *Filters) Compile(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := f.program(expr)
	return err
}

// Match evaluates a filter against a row. Empty filters match everything.
func (f *Filters) Match(expr string, row Row) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := f.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(filterInput(row))
	if err != nil {
		return false, fmt.Errorf("outbox: filter eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("outbox: filter result is %T, not bool", out.Value())
	}
	return matched, nil
}

func (f *Filters) program(expr string) (cel.Program, error) {
	f.mu.RLock()
	prg, hit := f.programs[expr]
	f.mu.RUnlock()
	if hit {
		return prg, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prg, hit = f.programs[expr]; hit {
		return prg, nil
	}

	if issues := f.validator.Validate(expr); len(issues) > 0 {
		return nil, fmt.Errorf("outbox: filter rejected: %s", issues[0].Message)
	}
	ast, celIssues := f.env.Compile(expr)
	if celIssues != nil && celIssues.Err() != nil {
		return nil, fmt.Errorf("outbox: filter compile: %w", celIssues.Err())
	}
	prg, err := f.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: filter program: %w", err)
	}
	f.programs[expr] = prg
	return prg, nil
}

// filterInput exposes the row to CEL. Timestamps are deliberately absent so
// filters cannot depend on wall time.
func filterInput(row Row) map[string]any {
	var payload map[string]any
	if len(row.Event.Payload) > 0 {
		_ = json.Unmarshal(row.Event.Payload, &payload)
	}
	return map[string]any{
		"event": map[string]any{
			"id":           row.EventID,
			"orgId":        row.OrgID,
			"dealId":       row.DealID,
			"seq":          row.Seq,
			"type":         row.EventType,
			"actorId":      row.Event.ActorID,
			"overrideUsed": row.Event.OverrideUsed,
			"payload":      payload,
		},
	}
}

// Subscription routes matching events to a named target. An empty OrgID
// subscribes across all orgs; an empty Filter matches every event.
type Subscription struct {
	Name   string `json:"name"`
	OrgID  string `json:"orgId,omitempty"`
	Filter string `json:"filter,omitempty"`
	Target string `json:"target"`
}

// Deliverer pushes one row to one subscription's target.
type Deliverer interface {
	Deliver(ctx context.Context, sub Subscription, row Row) error
}

// Dispatcher drains the outbox: each tick loads a batch of pending rows,
// matches them against every subscription, and delivers. A row is done when
// every matching delivery succeeded, failed otherwise.
type Dispatcher struct {
	store     Store
	filters   *Filters
	subs      []Subscription
	deliverer Deliverer
	logger    *slog.Logger
	batchSize int
}

// NewDispatcher compiles every subscription filter up front, so a bad
// filter surfaces at startup rather than at delivery time.
func NewDispatcher(store Store, subs []Subscription, deliverer Deliverer, logger *slog.Logger) (*Dispatcher, error) {
	filters, err := NewFilters()
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if err := filters.Compile(sub.Filter); err != nil {
			return nil, fmt.Errorf("subscription %q: %w", sub.Name, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		filters:   filters,
		subs:      subs,
		deliverer: deliverer,
		logger:    logger,
		batchSize: 100,
	}, nil
}

// Tick processes one batch and returns how many rows completed.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	rows, err := d.store.Pending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, row := range rows {
		if err := d.process(ctx, row); err != nil {
			if markErr := d.store.MarkFailed(ctx, row.EventID, err.Error()); markErr != nil {
				return done, markErr
			}
			d.logger.Warn("outbox delivery failed",
				"eventId", row.EventID,
				"dealId", row.DealID,
				"type", row.EventType,
				"error", err)
			continue
		}
		if err := d.store.MarkDone(ctx, row.EventID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (d *Dispatcher) process(ctx context.Context, row Row) error {
	for _, sub := range d.subs {
		if sub.OrgID != "" && sub.OrgID != row.OrgID {
			continue
		}
		matched, err := d.filters.Match(sub.Filter, row)
		if err != nil {
			return fmt.Errorf("subscription %q: %w", sub.Name, err)
		}
		if !matched {
			continue
		}
		if err := d.deliverer.Deliver(ctx, sub, row); err != nil {
			return fmt.Errorf("subscription %q: %w", sub.Name, err)
		}
	}
	return nil
}

// Run ticks until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.logger.Error("outbox tick failed", "error", err)
			}
		}
	}
}
