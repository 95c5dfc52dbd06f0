package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/pkg/audit"
	"github.com/keelhq/keel/pkg/auth"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventAccess, "get_deal", "/api/deals/deal-1", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &event))

	assert.Equal(t, audit.EventAccess, event.Type)
	assert.Equal(t, "get_deal", event.Action)
	assert.Equal(t, "/api/deals/deal-1", event.Resource)
	assert.Equal(t, "system", event.OrgID)
	assert.Equal(t, "system", event.ActorID)
	assert.NotEmpty(t, event.ID)
	// UUID format: 8-4-4-4-12
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_AttributesPrincipal(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{
		ID:    "actor-gp-1",
		OrgID: "org-fulcrum",
		Roles: []string{"GP"},
	})
	meta := map[string]any{"action": "APPROVE_DEAL", "status": "BLOCKED"}
	require.NoError(t, logger.Record(ctx, audit.EventDecision, "submit", "deal-1", meta))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(buf.String(), "AUDIT: "))
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &event))

	assert.Equal(t, "org-fulcrum", event.OrgID)
	assert.Equal(t, "actor-gp-1", event.ActorID)
	assert.Equal(t, "BLOCKED", event.Metadata["status"])
}

func TestStoreLogger_FailClosedWithoutStore(t *testing.T) {
	logger := audit.NewStoreLogger(nil)
	err := logger.Record(context.Background(), audit.EventSystem, "startup", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail-closed")
}

func TestMemoryStore_ListFiltersByOrg(t *testing.T) {
	store := audit.NewMemoryStore()
	logger := audit.NewStoreLogger(store)

	ctxA := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "actor-1", OrgID: "org-a"})
	ctxB := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "actor-2", OrgID: "org-b"})

	require.NoError(t, logger.Record(ctxA, audit.EventAccess, "get_deal", "deal-1", nil))
	require.NoError(t, logger.Record(ctxB, audit.EventAccess, "get_deal", "deal-9", nil))
	require.NoError(t, logger.Record(ctxA, audit.EventExport, "proofpack", "deal-1", nil))

	events := store.List("org-a", 0)
	require.Len(t, events, 2)
	// Most recent first.
	assert.Equal(t, audit.EventExport, events[0].Type)
	assert.Equal(t, audit.EventAccess, events[1].Type)

	events = store.List("org-a", 1)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventExport, events[0].Type)

	assert.Empty(t, store.List("org-missing", 0))
}

func TestTeeLogger_FansOut(t *testing.T) {
	var buf bytes.Buffer
	store := audit.NewMemoryStore()
	tee := audit.TeeLogger{audit.NewLoggerWithWriter(&buf), audit.NewStoreLogger(store)}

	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "actor-1", OrgID: "org-a"})
	require.NoError(t, tee.Record(ctx, audit.EventDecision, "submit", "deal-1", nil))

	assert.Contains(t, buf.String(), "AUDIT: ")
	require.Len(t, store.List("org-a", 0), 1)
}
