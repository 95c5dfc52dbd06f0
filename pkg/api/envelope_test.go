package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keelhq/keel/pkg/api"
	"github.com/keelhq/keel/pkg/deal"
)

type errorEnvelope struct {
	OK     bool          `json:"ok"`
	Status int           `json:"status"`
	Data   api.ErrorBody `json:"data"`
}

func TestWriteOK_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteOK(w, map[string]string{"hello": "world"})

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", ct)
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		OK     bool              `json:"ok"`
		Status int               `json:"status"`
		Data   map[string]string `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.OK {
		t.Error("expected ok=true")
	}
	if resp.Status != 200 {
		t.Errorf("expected status=200 in body, got %d", resp.Status)
	}
	if resp.Data["hello"] != "world" {
		t.Errorf("expected data.hello='world', got %q", resp.Data["hello"])
	}
}

func TestWriteError_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "field is missing")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var resp errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OK {
		t.Error("expected ok=false")
	}
	if resp.Status != 400 {
		t.Errorf("expected status=400 in body, got %d", resp.Status)
	}
	if resp.Data.Error != "field is missing" {
		t.Errorf("expected error 'field is missing', got %q", resp.Data.Error)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var resp errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Must NOT contain internal error details
	if resp.Data.Error == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteBlocked_DecisionBody(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteBlocked(w, map[string]any{
		"status":  "BLOCKED",
		"reasons": []deal.Reason{{Type: deal.ReasonApprovalThreshold, Detail: "need 2 approvals"}},
	})

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}

	var resp struct {
		OK     bool `json:"ok"`
		Status int  `json:"status"`
		Data   struct {
			Status  string        `json:"status"`
			Reasons []deal.Reason `json:"reasons"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OK {
		t.Error("expected ok=false on a blocked decision")
	}
	if resp.Status != 409 {
		t.Errorf("expected status=409 in body, got %d", resp.Status)
	}
	if resp.Data.Status != "BLOCKED" {
		t.Errorf("expected data.status='BLOCKED', got %q", resp.Data.Status)
	}
	if len(resp.Data.Reasons) != 1 || resp.Data.Reasons[0].Type != deal.ReasonApprovalThreshold {
		t.Errorf("expected one APPROVAL_THRESHOLD reason, got %+v", resp.Data.Reasons)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteMethodNotAllowed(w)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	var resp errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Data.Error != "Authentication required" {
		t.Errorf("expected default detail, got %q", resp.Data.Error)
	}
}

func TestWriteNotFound_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteNotFound(w, "")

	var resp errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Data.Error != "Resource not found" {
		t.Errorf("expected default detail, got %q", resp.Data.Error)
	}
}
