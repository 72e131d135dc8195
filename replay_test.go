package receipt

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"
)

func buildChain(t *testing.T, priv ed25519.PrivateKey, n int) []Checkpoint {
	t.Helper()
	prevChain := ""
	cps := make([]Checkpoint, n)
	for i := 0; i < n; i++ {
		inputsSHA := SHA256Hex([]byte("input"))
		now := time.Now().UTC()
		body := CheckpointBody{
			RunID:            "run-1",
			Kind:             string(KindStep),
			Timestamp:        now.Format(time.RFC3339Nano),
			InputsSHA256:     &inputsSHA,
			UsageTokens:      10,
			CompletionTokens: 10,
		}
		currChain, err := computeChain(prevChain, body)
		if err != nil {
			t.Fatalf("computeChain: %v", err)
		}
		sig := ed25519.Sign(priv, []byte(currChain))
		cps[i] = Checkpoint{
			ID:               "cp",
			RunID:            body.RunID,
			Kind:             KindStep,
			Timestamp:        now,
			InputsSHA256:     &inputsSHA,
			UsageTokens:      body.UsageTokens,
			CompletionTokens: body.CompletionTokens,
			PrevChain:        prevChain,
			CurrChain:        currChain,
			Signature:        base64.StdEncoding.EncodeToString(sig),
		}
		prevChain = currChain
	}
	return cps
}

func TestReplayImportMatchesValidChain(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cps := buildChain(t, priv, 3)

	report := ReplayImport(cps, pub, ProofExact, nil, Proof{})
	if report.MatchStatus != ReplayMatch {
		t.Fatalf("MatchStatus = %v, want match; error = %v", report.MatchStatus, report.Error)
	}
}

func TestReplayImportDetectsBadSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cps := buildChain(t, priv, 2)
	cps[1].Signature = base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))

	report := ReplayImport(cps, pub, ProofExact, nil, Proof{})
	if report.MatchStatus != ReplayErrored {
		t.Fatalf("MatchStatus = %v, want error", report.MatchStatus)
	}
	if report.Error == nil {
		t.Fatal("expected a non-nil error message")
	}
}

func TestReplayImportDetectsChainMismatch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cps := buildChain(t, priv, 2)
	cps[1].CurrChain = "deadbeef"

	report := ReplayImport(cps, pub, ProofExact, nil, Proof{})
	if report.MatchStatus != ReplayErrored {
		t.Fatalf("MatchStatus = %v, want error", report.MatchStatus)
	}
}

func TestReplayImportConcordantWithinEpsilon(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cps := buildChain(t, priv, 1)
	digest := SemanticDigest("The quick brown fox jumps over the lazy dog")
	eps := 0.0

	report := ReplayImport(cps, pub, ProofConcordant, &eps, Proof{
		OriginalSemanticDigest: &digest,
		ReplaySemanticDigest:   &digest,
	})
	if report.MatchStatus != ReplayMatch {
		t.Fatalf("MatchStatus = %v, want match for an identical digest", report.MatchStatus)
	}
}

func TestReplayImportConcordantBeyondEpsilon(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cps := buildChain(t, priv, 1)
	original := SemanticDigest("The quick brown fox jumps over the lazy dog")
	replay := SemanticDigest("Completely unrelated text about something else entirely")
	eps := 0.0

	report := ReplayImport(cps, pub, ProofConcordant, &eps, Proof{
		OriginalSemanticDigest: &original,
		ReplaySemanticDigest:   &replay,
	})
	if report.MatchStatus != ReplayMismatch {
		t.Fatalf("MatchStatus = %v, want mismatch", report.MatchStatus)
	}
}
