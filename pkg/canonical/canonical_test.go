package canonical

import (
	"encoding/json"
	"testing"
)

func TestMarshal_SortsKeys(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}
	expected := `{"a":1,"b":2,"c":3}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<b>&</b>",
	}
	expected := `{"html":"<b>&</b>"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestHash_StructAndMapAgree(t *testing.T) {
	type s struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	h1, err := Hash(s{A: 1, B: 2})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash mismatch for equivalent values: %s != %s", h1, h2)
	}
}

func TestNormalizeStrings_NFC(t *testing.T) {
	// "e" + combining acute accent vs precomposed U+00E9
	decomposed := "Café"
	precomposed := "Café"

	got := NormalizeStrings(decomposed)
	if got != precomposed {
		t.Errorf("expected NFC form %q, got %q", precomposed, got)
	}
}

func TestNormalizeRawMessage_EquivalentSpellingsHashEqual(t *testing.T) {
	a := json.RawMessage(`{"name":"Café"}`)
	b := json.RawMessage(`{"name":"Café"}`)

	na, err := NormalizeRawMessage(a)
	if err != nil {
		t.Fatal(err)
	}
	nb, err := NormalizeRawMessage(b)
	if err != nil {
		t.Fatal(err)
	}
	if HashBytes(na) != HashBytes(nb) {
		t.Errorf("normalized forms hash differently: %s vs %s", na, nb)
	}
}

func TestNormalizeRawMessage_EmptyPassthrough(t *testing.T) {
	out, err := NormalizeRawMessage(nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("expected nil passthrough, got %s", out)
	}
}
