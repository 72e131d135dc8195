package receipt

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"
)

func buildTestCheckpoints(t *testing.T, priv ed25519.PrivateKey, n int) []Checkpoint {
	t.Helper()
	prevChain := ""
	cps := make([]Checkpoint, n)
	for i := 0; i < n; i++ {
		inputsSHA := SHA256Hex([]byte("input"))
		outputsSHA := SHA256Hex([]byte("output"))
		now := time.Now().UTC()
		body := CheckpointBody{
			RunID:            "run-1",
			Kind:             string(KindStep),
			Timestamp:        now.Format(time.RFC3339Nano),
			InputsSHA256:     &inputsSHA,
			OutputsSHA256:    &outputsSHA,
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
			OutputsSHA256:    &outputsSHA,
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

func TestBuildCARVerifiesClean(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cps := buildTestCheckpoints(t, priv, 2)
	run := &Run{ID: "run-1", DefaultModel: StubModelID, Seed: 1, ProofMode: ProofExact, Steps: []StepConfig{{Model: StubModelID}}}
	policy := DefaultPolicy()

	car, err := BuildCAR(run, cps, policy, "policyhash", priv, pub, BuildOptions{RunName: "test"})
	if err != nil {
		t.Fatalf("BuildCAR: %v", err)
	}
	if car.ID == "" {
		t.Fatal("expected a non-empty CAR id")
	}
	if len(car.Signatures) != 1 {
		t.Fatalf("len(Signatures) = %d, want 1", len(car.Signatures))
	}

	report := Verify(car, nil)
	if report.Status != "verified" {
		t.Fatalf("Verify status = %q, want verified; phases: %+v", report.Status, report.Phases)
	}
	if !report.AllPassed() {
		t.Fatalf("expected all phases to pass: %+v", report.Phases)
	}
}

func TestVerifyDetectsTamperedChain(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cps := buildTestCheckpoints(t, priv, 2)
	run := &Run{ID: "run-1", DefaultModel: StubModelID, Seed: 1, ProofMode: ProofExact, Steps: []StepConfig{{Model: StubModelID}}}
	policy := DefaultPolicy()

	car, err := BuildCAR(run, cps, policy, "policyhash", priv, pub, BuildOptions{RunName: "test"})
	if err != nil {
		t.Fatalf("BuildCAR: %v", err)
	}
	car.Proof.Process.SequentialCheckpoints[1].CurrChain = "deadbeef"

	report := Verify(car, nil)
	if report.Status != "failed" {
		t.Fatal("expected verification to fail for a tampered chain")
	}
	if report.HashChainValid {
		t.Fatal("expected HashChainValid=false")
	}
}

func TestVerifyDetectsBadSignatureWithoutTouchingChain(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cps := buildTestCheckpoints(t, priv, 1)
	run := &Run{ID: "run-1", DefaultModel: StubModelID, Seed: 1, ProofMode: ProofExact, Steps: []StepConfig{{Model: StubModelID}}}
	policy := DefaultPolicy()

	car, err := BuildCAR(run, cps, policy, "policyhash", priv, pub, BuildOptions{RunName: "test"})
	if err != nil {
		t.Fatalf("BuildCAR: %v", err)
	}
	car.Proof.Process.SequentialCheckpoints[0].Signature = base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))

	report := Verify(car, nil)
	if report.Status != "failed" {
		t.Fatal("expected verification to fail for a bad signature")
	}
	if !report.HashChainValid {
		t.Fatal("hash chain itself was never tampered, it should still verify")
	}
	if report.SignaturesValid {
		t.Fatal("expected SignaturesValid=false")
	}
}

func TestCalculateSGradeNoIncidentsFullReplay(t *testing.T) {
	grade := calculateSGrade(true, false, true)
	// 0.30 + 0.30 + 0.15 + 0.8*0.15 (fixed consent) + 0.10 = 0.97.
	if grade.Score != 97 {
		t.Fatalf("Score = %d, want 97 for a clean, fully-replayed, energy-estimated run", grade.Score)
	}
}

func TestCalculateSGradeWithIncidents(t *testing.T) {
	clean := calculateSGrade(true, false, true)
	withIncidents := calculateSGrade(true, true, true)
	if withIncidents.Score >= clean.Score {
		t.Fatal("a run with incidents must score lower than an identical run without")
	}
}
