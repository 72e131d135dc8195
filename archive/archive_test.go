package archive

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/arcreceipt/car"
	"github.com/arcreceipt/car/store"
)

func seedProject(t *testing.T, st store.Store, pub ed25519.PublicKey) receipt.Project {
	t.Helper()
	p := receipt.Project{
		ID:        "proj-1",
		Name:      "example",
		CreatedAt: time.Now().UTC(),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}
	if err := st.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	pv := receipt.PolicyVersion{ProjectID: p.ID, Version: 1, Policy: receipt.DefaultPolicy(), CreatedAt: time.Now().UTC()}
	if err := st.CreatePolicyVersion(context.Background(), pv); err != nil {
		t.Fatalf("CreatePolicyVersion: %v", err)
	}
	return p
}

func seedRun(t *testing.T, st store.Store, projectID string, priv ed25519.PrivateKey, corruptSignature bool) receipt.Run {
	t.Helper()
	ctx := context.Background()
	step := receipt.StepConfig{
		ID:             "step-1",
		RunID:          "run-1",
		OrderIndex:     0,
		CheckpointType: receipt.CheckpointStandard,
		Model:          receipt.StubModelID,
		Prompt:         `{"nodes":[]}`,
		TokenBudget:    1000,
		ProofMode:      receipt.ProofExact,
	}
	run := receipt.Run{
		ID:            "run-1",
		ProjectID:     projectID,
		Name:          "example run",
		CreatedAt:     time.Now().UTC(),
		ProofMode:     receipt.ProofExact,
		Seed:          42,
		TokenBudget:   1000,
		DefaultModel:  receipt.StubModelID,
		PolicyVersion: 1,
		Steps:         []receipt.StepConfig{step},
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	exec := receipt.Execution{ID: "exec-1", RunID: run.ID, CreatedAt: time.Now().UTC()}
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	inputsSHA := receipt.SHA256Hex([]byte(step.Prompt))
	outputsSHA := receipt.SHA256Hex([]byte("stub-output"))
	body := receipt.CheckpointBody{
		RunID:            run.ID,
		Kind:             string(receipt.KindStep),
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		InputsSHA256:     &inputsSHA,
		OutputsSHA256:    &outputsSHA,
		UsageTokens:      10,
		PromptTokens:     0,
		CompletionTokens: 10,
	}
	canon, err := receipt.MarshalCanonical(body)
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	currChain := receipt.SHA256Hex(canon)
	sig := ed25519.Sign(priv, []byte(currChain))
	if corruptSignature {
		sig = make([]byte, ed25519.SignatureSize)
	}
	stepID := step.ID
	cp := receipt.Checkpoint{
		ID:            "cp-1",
		RunID:         run.ID,
		ExecutionID:   exec.ID,
		StepConfigID:  &stepID,
		Kind:          receipt.KindStep,
		Timestamp:     time.Now().UTC(),
		InputsSHA256:  &inputsSHA,
		OutputsSHA256: &outputsSHA,
		UsageTokens:   10,
		CompletionTokens: 10,
		PrevChain:     "",
		CurrChain:     currChain,
		Signature:     base64.StdEncoding.EncodeToString(sig),
	}
	if err := st.AppendCheckpoint(ctx, cp); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}
	return run
}

func TestExportImportRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	src := store.NewMemStore()
	seedProject(t, src, pub)
	seedRun(t, src, "proj-1", priv, false)

	var buf bytes.Buffer
	if err := Export(context.Background(), src, "proj-1", &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := store.NewMemStore()
	report, err := Import(context.Background(), dst, nil, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if report.RunsImported != 1 {
		t.Fatalf("RunsImported = %d, want 1", report.RunsImported)
	}
	if report.IncidentsGenerated != 0 {
		t.Fatalf("IncidentsGenerated = %d, want 0 for an untampered archive", report.IncidentsGenerated)
	}

	imported, err := dst.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun after import: %v", err)
	}
	if imported.Seed != 42 {
		t.Fatalf("imported run seed = %d, want 42", imported.Seed)
	}
}

func TestImportRefusesExistingProject(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	src := store.NewMemStore()
	seedProject(t, src, pub)
	seedRun(t, src, "proj-1", priv, false)

	var buf bytes.Buffer
	if err := Export(context.Background(), src, "proj-1", &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := store.NewMemStore()
	seedProject(t, dst, pub)

	if _, err := Import(context.Background(), dst, nil, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err == nil {
		t.Fatal("expected Import to refuse when the project already exists locally")
	}
}

func TestImportSynthesizesIncidentOnTamperedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	src := store.NewMemStore()
	seedProject(t, src, pub)
	// corruptSignature=true mimics S6's hand-edit of an exported archive's
	// checkpoint signature before re-import.
	seedRun(t, src, "proj-1", priv, true)

	var buf bytes.Buffer
	if err := Export(context.Background(), src, "proj-1", &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := store.NewMemStore()
	report, err := Import(context.Background(), dst, nil, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if report.IncidentsGenerated < 1 {
		t.Fatal("expected at least one synthesized incident for the tampered signature")
	}

	imported, err := dst.GetCheckpoint(context.Background(), "cp-1")
	if err != nil {
		t.Fatalf("GetCheckpoint after import: %v", err)
	}
	if imported.Incident == nil || imported.Incident.Kind != "signature_verification_failed" {
		t.Fatalf("expected a signature_verification_failed incident, got %+v", imported.Incident)
	}
}
