package outbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/pkg/auth"
)

func TestWebhookDeliverer_PostsSignedRow(t *testing.T) {
	keys, err := auth.NewWebhookKeys("outbox-test-master")
	require.NoError(t, err)

	var gotBody []byte
	var gotSig string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(auth.SignatureHeader)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	d := NewWebhookDeliverer(ts.Client(), keys)
	row := Row{
		EventID:   "ev-1",
		OrgID:     "org-a",
		DealID:    "deal-1",
		Seq:       3,
		EventType: "FUNDED",
		Event:     testEvent("ev-1", "deal-1", 3, "FUNDED"),
		Status:    StatusPending,
	}
	sub := Subscription{Name: "ops", Target: ts.URL}

	require.NoError(t, d.Deliver(context.Background(), sub, row))
	require.NotEmpty(t, gotBody)
	// The receiver verifies with the same per-org key used for inbound hooks.
	assert.True(t, keys.Verify("org-a", gotBody, gotSig))
	assert.False(t, keys.Verify("org-b", gotBody, gotSig))
}

func TestWebhookDeliverer_NonSuccessStatusFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	d := NewWebhookDeliverer(ts.Client(), nil)
	err := d.Deliver(context.Background(), Subscription{Name: "ops", Target: ts.URL}, Row{OrgID: "org-a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookDeliverer_MissingTarget(t *testing.T) {
	d := NewWebhookDeliverer(nil, nil)
	err := d.Deliver(context.Background(), Subscription{Name: "ops"}, Row{})
	require.Error(t, err)
}
