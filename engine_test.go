package receipt

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/arcreceipt/car/emit"
	"github.com/arcreceipt/car/store"
)

// fixedKeyProvider returns the same key pair for every project, so tests
// can assert against a known public key without touching a real keystore.
type fixedKeyProvider struct {
	priv ed25519.PrivateKey
}

func (f fixedKeyProvider) PrivateKey(context.Context, string) (ed25519.PrivateKey, error) {
	return f.priv, nil
}

func newTestEngine(t *testing.T, st store.Store) (*Engine, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	eng, err := NewEngine(st, emit.NewNullEmitter(), nil, fixedKeyProvider{priv: priv})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, pub
}

func newTestRun(projectID string, steps []StepConfig) Run {
	return Run{
		ID:            "run-" + projectID,
		ProjectID:     projectID,
		Name:          "test run",
		CreatedAt:     time.Now().UTC(),
		ProofMode:     ProofExact,
		Seed:          42,
		TokenBudget:   1000,
		DefaultModel:  StubModelID,
		PolicyVersion: 1,
		Steps:         steps,
	}
}

// TestExecuteRunDeterministicStub mirrors S1: a single stub step produces
// exactly one Step checkpoint with the documented deterministic output.
func TestExecuteRunDeterministicStub(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	eng, _ := newTestEngine(t, st)

	prompt := `{"nodes":[]}`
	step := StepConfig{
		ID:             "step-1",
		OrderIndex:     0,
		CheckpointType: CheckpointStandard,
		Model:          StubModelID,
		Prompt:         prompt,
		TokenBudget:    1000,
		ProofMode:      ProofExact,
	}
	run := newTestRun("proj-1", []StepConfig{step})
	if err := run.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	exec, err := eng.ExecuteRun(ctx, &run)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	cps, err := st.ListCheckpoints(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("len(checkpoints) = %d, want 1", len(cps))
	}
	cp := cps[0]
	if cp.Kind != KindStep {
		t.Fatalf("Kind = %v, want Step", cp.Kind)
	}
	if cp.PrevChain != "" {
		t.Fatalf("PrevChain = %q, want empty for the first checkpoint", cp.PrevChain)
	}
	wantInputsSHA := SHA256Hex([]byte(prompt))
	if cp.InputsSHA256 == nil || *cp.InputsSHA256 != wantInputsSHA {
		t.Fatalf("InputsSHA256 = %v, want %q", cp.InputsSHA256, wantInputsSHA)
	}
	wantOutputsSHA := SHA256Hex(stubOutputBytes(run.Seed, step.OrderIndex, prompt))
	if cp.OutputsSHA256 == nil || *cp.OutputsSHA256 != wantOutputsSHA {
		t.Fatalf("OutputsSHA256 = %v, want %q", cp.OutputsSHA256, wantOutputsSHA)
	}
	if cp.UsageTokens != 10 {
		t.Fatalf("UsageTokens = %d, want 10", cp.UsageTokens)
	}
	if cp.Signature == "" {
		t.Fatal("expected a non-empty signature")
	}
}

// TestStubGenerateMatchesDocumentedFormat pins the exact byte layout S1
// describes: "hello" || seed_le64 || order_index_le64 || sha256_hex(prompt),
// where sha256_hex(prompt) is the 64-byte ASCII hex string, not the raw
// 32-byte digest.
func TestStubGenerateMatchesDocumentedFormat(t *testing.T) {
	prompt := `{"nodes":[]}`
	got := stubGenerate(42, 0, prompt)
	raw, err := hex.DecodeString(got)
	if err != nil {
		t.Fatalf("stub output is not valid hex: %v", err)
	}
	if string(raw[:5]) != "hello" {
		t.Fatalf("stub output does not start with \"hello\": %q", raw[:5])
	}
	if len(raw) != 5+8+8+64 {
		t.Fatalf("stub output length = %d, want %d", len(raw), 5+8+8+64)
	}
	wantPromptHash := sha256.Sum256([]byte(prompt))
	wantPromptHashHex := hex.EncodeToString(wantPromptHash[:])
	if string(raw[5+8+8:]) != wantPromptHashHex {
		t.Fatalf("stub output prompt-hash segment = %q, want %q", raw[5+8+8:], wantPromptHashHex)
	}
}

// TestBudgetGateProducesIncident mirrors S2: a step requiring more tokens
// than the policy allows produces an Incident checkpoint, not a Step.
func TestBudgetGateProducesIncident(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	eng, _ := newTestEngine(t, st)

	tight := Policy{AllowNetwork: false, BudgetTokens: 5, BudgetUSD: 10, BudgetNatureCost: 10}
	if err := st.CreatePolicyVersion(ctx, PolicyVersion{ProjectID: "proj-2", Version: 1, Policy: tight, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreatePolicyVersion: %v", err)
	}

	step := StepConfig{
		ID:             "step-1",
		OrderIndex:     0,
		CheckpointType: CheckpointStandard,
		Model:          StubModelID,
		Prompt:         "anything",
		TokenBudget:    1000,
		ProofMode:      ProofExact,
	}
	run := newTestRun("proj-2", []StepConfig{step})
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	exec, err := eng.ExecuteRun(ctx, &run)
	if err == nil {
		t.Fatal("expected ExecuteRun to report a budget error")
	}

	cps, err := st.ListCheckpoints(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("len(checkpoints) = %d, want 1", len(cps))
	}
	if cps[0].Kind != KindIncident {
		t.Fatalf("Kind = %v, want Incident", cps[0].Kind)
	}
	if cps[0].Incident == nil {
		t.Fatal("expected a non-nil incident")
	}
}

// TestInteractiveStepSubmitTurn checks that an interactive
// step halts the standard-step loop without producing a checkpoint, and
// that a subsequent SubmitTurn produces a human/ai checkpoint pair sharing
// a turn index.
func TestInteractiveStepSubmitTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	eng, _ := newTestEngine(t, st)

	step := StepConfig{
		ID:             "step-1",
		OrderIndex:     0,
		CheckpointType: CheckpointInteractiveChat,
		Model:          StubModelID,
		TokenBudget:    1000,
		ProofMode:      ProofExact,
	}
	run := newTestRun("proj-3", []StepConfig{step})
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	exec, err := eng.ExecuteRun(ctx, &run)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	cps, err := st.ListCheckpoints(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 0 {
		t.Fatalf("expected no checkpoints before any submit_turn, got %d", len(cps))
	}

	human, ai, err := eng.SubmitTurn(ctx, &run, exec, &run.Steps[0], "hello there")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if human.TurnIndex == nil || ai.TurnIndex == nil || *human.TurnIndex != *ai.TurnIndex {
		t.Fatalf("expected human and ai checkpoints to share a turn index, got %v and %v", human.TurnIndex, ai.TurnIndex)
	}
	if ai.ParentCheckpointID == nil || *ai.ParentCheckpointID != human.ID {
		t.Fatalf("expected the ai checkpoint to parent the human checkpoint")
	}

	if err := eng.FinalizeInteractive(ctx, exec, &run.Steps[0]); err != nil {
		t.Fatalf("FinalizeInteractive: %v", err)
	}
}

func TestFinalizeInteractiveRejectsEmptyTranscript(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	eng, _ := newTestEngine(t, st)

	step := StepConfig{
		ID:             "step-1",
		OrderIndex:     0,
		CheckpointType: CheckpointInteractiveChat,
		Model:          StubModelID,
		TokenBudget:    1000,
		ProofMode:      ProofExact,
	}
	run := newTestRun("proj-4", []StepConfig{step})
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	exec, err := eng.StartExecution(ctx, &run)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := eng.FinalizeInteractive(ctx, exec, &run.Steps[0]); err != ErrEmptyTranscript {
		t.Fatalf("FinalizeInteractive on empty transcript = %v, want ErrEmptyTranscript", err)
	}
}
