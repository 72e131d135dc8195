package receipt

import (
	"strings"
	"testing"
	"time"
)

func TestComputeChainDeterministic(t *testing.T) {
	inputsSHA := SHA256Hex([]byte("input"))
	body := CheckpointBody{
		RunID:        "run-1",
		Kind:         string(KindStep),
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
		InputsSHA256: &inputsSHA,
		UsageTokens:  10,
	}
	a, err := computeChain("prev", body)
	if err != nil {
		t.Fatalf("computeChain: %v", err)
	}
	b, err := computeChain("prev", body)
	if err != nil {
		t.Fatalf("computeChain: %v", err)
	}
	if a != b {
		t.Fatal("computeChain is not deterministic for identical inputs")
	}
}

func TestComputeChainDependsOnPrevChain(t *testing.T) {
	body := CheckpointBody{RunID: "run-1", Kind: string(KindStep), Timestamp: "t"}
	a, err := computeChain("prev-a", body)
	if err != nil {
		t.Fatalf("computeChain: %v", err)
	}
	b, err := computeChain("prev-b", body)
	if err != nil {
		t.Fatalf("computeChain: %v", err)
	}
	if a == b {
		t.Fatal("computeChain must vary with prev_chain")
	}
}

func TestCheckpointBodyRoundTripsThroughBody(t *testing.T) {
	inputsSHA := SHA256Hex([]byte("x"))
	cp := Checkpoint{
		RunID:        "run-1",
		Kind:         KindStep,
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		InputsSHA256: &inputsSHA,
		UsageTokens:  5,
	}
	b := cp.body()
	if b.RunID != cp.RunID || b.Kind != string(cp.Kind) || b.UsageTokens != cp.UsageTokens {
		t.Fatal("body() does not mirror the checkpoint's canonicalization fields")
	}
	if b.InputsSHA256 == nil || *b.InputsSHA256 != inputsSHA {
		t.Fatal("body() lost InputsSHA256")
	}
}

func TestSanitizePayloadStripsControlCharacters(t *testing.T) {
	got := sanitizePayload("hello\x00world\tok\n")
	if strings.ContainsRune(got, 0) {
		t.Fatal("sanitizePayload left a NUL byte in place")
	}
	if !strings.Contains(got, "\t") || !strings.Contains(got, "\n") {
		t.Fatal("sanitizePayload must preserve tab and newline")
	}
}

func TestSanitizePayloadTruncatesLongInput(t *testing.T) {
	long := strings.Repeat("a", maxPayloadChars+100)
	got := sanitizePayload(long)
	if !strings.HasSuffix(got, "…[truncated]") {
		t.Fatal("expected a truncation marker at the end of an over-long payload")
	}
}

func TestMarshalIncidentJSONNilIsNil(t *testing.T) {
	raw, err := marshalIncidentJSON(nil)
	if err != nil {
		t.Fatalf("marshalIncidentJSON(nil): %v", err)
	}
	if raw != nil {
		t.Fatal("marshalIncidentJSON(nil) must return nil")
	}
}

func TestMarshalIncidentJSONRoundTrips(t *testing.T) {
	inc := newBudgetIncident("exceeded by 10 tokens")
	raw, err := marshalIncidentJSON(inc)
	if err != nil {
		t.Fatalf("marshalIncidentJSON: %v", err)
	}
	if !strings.Contains(string(raw), "budget_exceeded") {
		t.Fatalf("marshaled incident missing its kind: %s", raw)
	}
}
