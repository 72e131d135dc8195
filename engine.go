package receipt

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcreceipt/car/emit"
	"github.com/arcreceipt/car/inference"
	"github.com/arcreceipt/car/store"
)

// KeyProvider resolves a project's Ed25519 signing key. The checkpoint
// engine and the CAR builder both depend on this narrow capability rather
// than on any particular keystore backend.
type KeyProvider interface {
	PrivateKey(ctx context.Context, projectID string) (ed25519.PrivateKey, error)
}

// Engine is the checkpoint state machine of §4.5: given a persisted run and
// its ordered step configs, it produces a signed, hash-chained sequence of
// checkpoints, one execution at a time.
type Engine struct {
	store       store.Store
	emitter     emit.Emitter
	generator   inference.Generator
	keys        KeyProvider
	metrics     *PrometheusMetrics
	costTracker *CostTracker
	clock       func() time.Time
	genTimeout  time.Duration
}

// NewEngine constructs an Engine. generator handles every model id except
// StubModelID, which the engine answers itself with a deterministic
// output so tests and local development don't require live credentials.
func NewEngine(st store.Store, emitter emit.Emitter, generator inference.Generator, keys KeyProvider, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, NewError(KindProgrammer, "store is required", nil)
	}
	if keys == nil {
		return nil, NewError(KindProgrammer, "key provider is required", nil)
	}
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Engine{
		store:       st,
		emitter:     emitter,
		generator:   generator,
		keys:        keys,
		metrics:     cfg.metrics,
		costTracker: cfg.costTracker,
		clock:       cfg.clock,
		genTimeout:  cfg.inferenceTimeout,
	}, nil
}

// StartExecution opens a new execution for run, the unit that groups the
// checkpoints produced by one attempt at running it.
func (e *Engine) StartExecution(ctx context.Context, run *Run) (*Execution, error) {
	exec := Execution{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		CreatedAt: e.clock(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ExecuteRun drives every standard (non-interactive) step of run in order,
// starting a new execution first. It stops and returns as soon as it
// reaches an interactive step or an incident halts the chain; the caller
// drives interactive steps with SubmitTurn/FinalizeInteractive and then
// calls ResumeExecution to continue past them.
func (e *Engine) ExecuteRun(ctx context.Context, run *Run) (*Execution, error) {
	exec, err := e.StartExecution(ctx, run)
	if err != nil {
		return nil, err
	}
	if err := e.ResumeExecution(ctx, run, exec); err != nil {
		return exec, err
	}
	return exec, nil
}

// ResumeExecution runs every standard step of run that has not yet
// produced a checkpoint in exec, stopping at the first interactive step
// awaiting submit_turn calls, the first incident, or the end of the plan.
func (e *Engine) ResumeExecution(ctx context.Context, run *Run, exec *Execution) error {
	for i := range run.Steps {
		step := &run.Steps[i]
		done, err := e.stepHasCheckpoint(ctx, exec.ID, step)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if step.IsInteractive() {
			// Awaiting submit_turn/finalize_interactive; nothing more to do
			// here until the caller finalizes this step and resumes again.
			return nil
		}
		if _, err := e.runStandardStep(ctx, run, exec, step); err != nil {
			return err
		}
	}
	return nil
}

// stepHasCheckpoint reports whether any checkpoint in exec already belongs
// to step, so ResumeExecution can skip steps already completed.
func (e *Engine) stepHasCheckpoint(ctx context.Context, executionID string, step *StepConfig) (bool, error) {
	cps, err := e.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return false, err
	}
	for _, cp := range cps {
		if cp.StepConfigID != nil && *cp.StepConfigID == step.ID && cp.TurnIndex == nil {
			return true, nil
		}
	}
	return false, nil
}

// runStandardStep implements the seven-step per-step loop of §4.5 for a
// single non-interactive step.
func (e *Engine) runStandardStep(ctx context.Context, run *Run, exec *Execution, step *StepConfig) (*Checkpoint, error) {
	started := e.clock()

	policy, policyVersion, _, err := e.currentPolicy(ctx, run.ProjectID)
	if err != nil {
		return nil, err
	}

	cumulative, err := e.cumulativeUsage(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	remaining := remainingStepBudget(run.Steps, step.OrderIndex)
	projectedTotal := cumulative + remaining

	if est := estimateCost(policy, projectedTotal); est.ExceedsAny() {
		if e.metrics != nil {
			e.metrics.RecordBudgetAdmission(run.ID, false)
		}
		details := projectionDetails(est)
		cp, err := e.appendIncident(ctx, run, exec, step, newBudgetProjectionIncident(details))
		e.recordLatency(run.ID, started, "error")
		if err != nil {
			return nil, err
		}
		return cp, NewError(KindPolicy, "projected budget exceeded", ErrBudgetProjectionExceeded)
	}
	if e.metrics != nil {
		e.metrics.RecordBudgetAdmission(run.ID, true)
	}

	prompt := step.Prompt
	text, usage, err := e.generate(ctx, run.Seed, step.OrderIndex, step.Model, prompt)
	if err != nil {
		e.recordLatency(run.ID, started, "error")
		return nil, NewError(KindTransient, "inference call failed", err)
	}
	if e.costTracker != nil {
		e.costTracker.RecordLLMCall(step.Model, int(usage.PromptTokens), int(usage.CompletionTokens), step.ID)
	}

	if inc := enforceBudget(policy, usage.Total()); inc != nil {
		cp, err := e.appendIncident(ctx, run, exec, step, inc)
		e.recordLatency(run.ID, started, "error")
		if err != nil {
			return nil, err
		}
		return cp, NewError(KindPolicy, "step budget exceeded", ErrBudgetExceeded)
	}

	inputSHA := SHA256Hex([]byte(prompt))
	outputSHA := outputsSHA(step.Model, run.Seed, step.OrderIndex, prompt, text)
	var semanticDigest *string
	if run.ProofMode == ProofConcordant {
		d := SemanticDigest(text)
		semanticDigest = &d
	}

	cp, err := e.appendCheckpoint(ctx, run, exec, step, appendSpec{
		kind:          KindStep,
		inputsSHA:     &inputSHA,
		outputsSHA:    &outputSHA,
		usageTokens:   usage.Total(),
		promptTokens:  usage.PromptTokens,
		completion:    usage.CompletionTokens,
		semantic:      semanticDigest,
		promptPayload: sanitizePayload(prompt),
		outputPayload: sanitizePayload(text),
	})
	if err != nil {
		e.recordLatency(run.ID, started, "error")
		return nil, err
	}

	usdPerToken, natureCostPerToken := perTokenRatios(policy)
	usd := usdPerToken * float64(usage.Total())
	natureCost := natureCostPerToken * float64(usage.Total())
	if _, err := e.store.IncrementLedger(ctx, run.ProjectID, policyVersion, usage.Total(), usd, natureCost); err != nil {
		return cp, err
	}

	e.recordLatency(run.ID, started, "success")
	if e.metrics != nil {
		e.metrics.RecordCheckpointAppended(run.ID, KindStep)
	}
	return cp, nil
}

// SubmitTurn implements one round of an InteractiveChat step: a human
// checkpoint carrying the user's text, followed by an AI checkpoint
// carrying the model's response, sharing a strictly increasing turn_index.
func (e *Engine) SubmitTurn(ctx context.Context, run *Run, exec *Execution, step *StepConfig, userText string) (human, ai *Checkpoint, err error) {
	if !step.IsInteractive() {
		return nil, nil, NewError(KindMalformed, "submit_turn called on a non-interactive step", nil)
	}

	priorTokens, priorTurns, err := e.stepUsage(ctx, exec.ID, step.ID)
	if err != nil {
		return nil, nil, err
	}
	if priorTokens > step.TokenBudget {
		return nil, nil, NewError(KindPolicy, "interactive step token budget already exceeded", ErrBudgetExceeded)
	}

	turnIndex := uint32(priorTurns + 1)

	humanInputSHA := SHA256Hex([]byte(userText))
	human, err = e.appendCheckpoint(ctx, run, exec, step, appendSpec{
		kind:          KindStep,
		inputsSHA:     &humanInputSHA,
		turnIndex:     &turnIndex,
		message:       &CheckpointMessage{Role: "human", Body: userText},
		promptPayload: sanitizePayload(userText),
	})
	if err != nil {
		return nil, nil, err
	}

	text, usage, err := e.generate(ctx, run.Seed, step.OrderIndex, step.Model, userText)
	if err != nil {
		return human, nil, NewError(KindTransient, "inference call failed", err)
	}
	if e.costTracker != nil {
		e.costTracker.RecordLLMCall(step.Model, int(usage.PromptTokens), int(usage.CompletionTokens), step.ID)
	}

	policy, policyVersion, _, err := e.currentPolicy(ctx, run.ProjectID)
	if err != nil {
		return human, nil, err
	}
	postHocTotal := priorTokens + usage.Total()
	if inc := enforceBudget(policy, postHocTotal); inc != nil {
		incCp, err := e.appendIncident(ctx, run, exec, step, inc)
		if err != nil {
			return human, incCp, err
		}
		return human, incCp, NewError(KindPolicy, "interactive turn budget exceeded", ErrBudgetExceeded)
	}

	outputSHA := outputsSHA(step.Model, run.Seed, step.OrderIndex, userText, text)
	parentID := human.ID
	ai, err = e.appendCheckpoint(ctx, run, exec, step, appendSpec{
		kind:          KindStep,
		parent:        &parentID,
		turnIndex:     &turnIndex,
		outputsSHA:    &outputSHA,
		usageTokens:   usage.Total(),
		promptTokens:  usage.PromptTokens,
		completion:    usage.CompletionTokens,
		message:       &CheckpointMessage{Role: "ai", Body: text},
		outputPayload: sanitizePayload(text),
	})
	if err != nil {
		return human, nil, err
	}

	usdPerToken, natureCostPerToken := perTokenRatios(policy)
	usd := usdPerToken * float64(usage.Total())
	natureCost := natureCostPerToken * float64(usage.Total())
	if _, err := e.store.IncrementLedger(ctx, run.ProjectID, policyVersion, usage.Total(), usd, natureCost); err != nil {
		return human, ai, err
	}

	return human, ai, nil
}

// FinalizeInteractive closes out an interactive step, requiring at least
// one persisted turn.
func (e *Engine) FinalizeInteractive(ctx context.Context, exec *Execution, step *StepConfig) error {
	_, turns, err := e.stepUsage(ctx, exec.ID, step.ID)
	if err != nil {
		return err
	}
	if turns == 0 {
		return ErrEmptyTranscript
	}
	return nil
}

// Reopen starts a fresh execution of run, re-running the pipeline from the
// beginning. It does not delete checkpoints: if any prior execution of run
// already has checkpoints, it returns a KindProgrammer error and starts
// nothing.
func (e *Engine) Reopen(ctx context.Context, run *Run) (*Execution, error) {
	execs, err := e.store.ListExecutions(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, prior := range execs {
		cps, err := e.store.ListCheckpoints(ctx, prior.ID)
		if err != nil {
			return nil, err
		}
		if len(cps) > 0 {
			return nil, NewError(KindProgrammer, "store does not support deleting checkpoints on reopen", nil)
		}
	}
	return e.ExecuteRun(ctx, run)
}

// Clone creates a new run with the same project, step configs, and policy
// version as run, then executes it as a fresh execution.
func (e *Engine) Clone(ctx context.Context, run *Run) (*Run, *Execution, error) {
	steps := make([]StepConfig, len(run.Steps))
	copy(steps, run.Steps)

	clone := Run{
		ID:            uuid.NewString(),
		ProjectID:     run.ProjectID,
		Name:          run.Name + " (clone)",
		CreatedAt:     e.clock(),
		ProofMode:     run.ProofMode,
		Seed:          run.Seed,
		TokenBudget:   run.TokenBudget,
		DefaultModel:  run.DefaultModel,
		Epsilon:       run.Epsilon,
		PolicyVersion: run.PolicyVersion,
		SpecJSON:      run.SpecJSON,
		Steps:         steps,
	}
	for i := range clone.Steps {
		clone.Steps[i].ID = uuid.NewString()
		clone.Steps[i].RunID = clone.ID
	}
	if err := clone.Validate(); err != nil {
		return nil, nil, err
	}
	if err := e.store.CreateRun(ctx, clone); err != nil {
		return nil, nil, err
	}
	exec, err := e.ExecuteRun(ctx, &clone)
	return &clone, exec, err
}

// UpsertPolicy implements the versioned policy edit flow: append the next
// strictly-monotonic policy version, seed its ledger row from the prior
// version's totals, and repoint every one of the project's runs at the new
// version so admission and accounting never read two different versions
// for the same project.
func (e *Engine) UpsertPolicy(ctx context.Context, projectID string, policy Policy, createdBy, changeNotes *string) (PolicyVersion, error) {
	if err := policy.Validate(); err != nil {
		return PolicyVersion{}, err
	}

	newVersion := int64(1)
	current, err := e.store.CurrentPolicyVersion(ctx, projectID)
	switch {
	case err == nil:
		newVersion = current.Version + 1
	case err == store.ErrNotFound:
		// No policy has ever been set for this project; the upsert
		// establishes version 1.
	default:
		return PolicyVersion{}, err
	}

	pv := PolicyVersion{
		ProjectID:   projectID,
		Version:     newVersion,
		Policy:      policy,
		CreatedAt:   e.clock(),
		CreatedBy:   createdBy,
		ChangeNotes: changeNotes,
	}
	if err := e.store.CreatePolicyVersion(ctx, pv); err != nil {
		return PolicyVersion{}, err
	}

	// Seed the new version's ledger from the prior version's totals (zero
	// for version 1) even before any usage is recorded against it, so a
	// read immediately after the upsert already reflects full headroom.
	if _, err := e.store.IncrementLedger(ctx, projectID, newVersion, 0, 0, 0); err != nil {
		return PolicyVersion{}, err
	}

	if err := e.store.RepointRunsToPolicyVersion(ctx, projectID, newVersion); err != nil {
		return PolicyVersion{}, err
	}

	return pv, nil
}

// generate dispatches to the stub generator for StubModelID and to the
// configured inference.Generator otherwise, applying the engine's
// inference timeout to the live call.
func (e *Engine) generate(ctx context.Context, seed uint64, orderIndex int, model, prompt string) (string, inference.Usage, error) {
	if model == StubModelID {
		return stubGenerate(seed, orderIndex, prompt), stubUsage(), nil
	}
	if e.generator == nil {
		return "", inference.Usage{}, NewError(KindProgrammer, "no inference generator configured for non-stub model", nil)
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if e.genTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.genTimeout)
		defer cancel()
	}
	return e.generator.Generate(callCtx, model, prompt)
}

// stubOutputBytes produces the reserved stub backend's deterministic raw
// output: the literal "hello" followed by the little-endian seed, the
// little-endian step order index, and the ASCII hex encoding of the
// SHA-256 digest of the prompt (64 bytes, not the raw 32-byte digest).
// outputs_sha256 is computed over exactly these bytes; the hex encoding of
// the whole buffer is what gets displayed as the step's output text.
func stubOutputBytes(seed uint64, orderIndex int, prompt string) []byte {
	promptHash := sha256.Sum256([]byte(prompt))
	promptHashHex := hex.EncodeToString(promptHash[:])

	buf := make([]byte, 0, 5+8+8+len(promptHashHex))
	buf = append(buf, "hello"...)

	seedLE := make([]byte, 8)
	binary.LittleEndian.PutUint64(seedLE, seed)
	buf = append(buf, seedLE...)

	idxLE := make([]byte, 8)
	binary.LittleEndian.PutUint64(idxLE, uint64(orderIndex))
	buf = append(buf, idxLE...)

	buf = append(buf, promptHashHex...)
	return buf
}

// stubGenerate returns the display text for a stub step's output: the hex
// encoding of stubOutputBytes. This is what callers see as the checkpoint's
// output payload and message body; outputs_sha256 hashes the raw bytes
// underneath it, not this string.
func stubGenerate(seed uint64, orderIndex int, prompt string) string {
	return hex.EncodeToString(stubOutputBytes(seed, orderIndex, prompt))
}

// outputsSHA computes a checkpoint's outputs_sha256. For the stub backend it
// hashes the raw stub output bytes, not the hex string displayed as text;
// for every other model it hashes the model's response text directly.
func outputsSHA(model string, seed uint64, orderIndex int, prompt, text string) string {
	if model == StubModelID {
		return SHA256Hex(stubOutputBytes(seed, orderIndex, prompt))
	}
	return SHA256Hex([]byte(text))
}

// stubUsage is the fixed token usage the stub backend always reports.
func stubUsage() inference.Usage {
	return inference.Usage{PromptTokens: 0, CompletionTokens: 10}
}

// appendSpec collects the checkpoint-specific fields runStandardStep and
// SubmitTurn feed into appendCheckpoint, leaving the chain/signature
// machinery common to both call sites.
type appendSpec struct {
	kind          CheckpointKind
	parent        *string
	turnIndex     *uint32
	inputsSHA     *string
	outputsSHA    *string
	incident      *Incident
	usageTokens   uint64
	promptTokens  uint64
	completion    uint64
	semantic      *string
	message       *CheckpointMessage
	promptPayload string
	outputPayload string
}

// appendCheckpoint reads the execution's current chain tip, builds the next
// checkpoint body, computes curr_chain, signs it under the project's key,
// and persists the result.
func (e *Engine) appendCheckpoint(ctx context.Context, run *Run, exec *Execution, step *StepConfig, spec appendSpec) (*Checkpoint, error) {
	prevChain, err := e.latestChain(ctx, exec.ID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	body := CheckpointBody{
		RunID:            run.ID,
		Kind:             string(spec.kind),
		Timestamp:        now.UTC().Format(time.RFC3339Nano),
		InputsSHA256:     spec.inputsSHA,
		OutputsSHA256:    spec.outputsSHA,
		Incident:         spec.incident,
		UsageTokens:      spec.usageTokens,
		PromptTokens:     spec.promptTokens,
		CompletionTokens: spec.completion,
	}
	currChain, err := computeChain(prevChain, body)
	if err != nil {
		return nil, err
	}

	signingKey, err := e.keys.PrivateKey(ctx, run.ProjectID)
	if err != nil {
		return nil, NewError(KindTransient, "load signing key", err)
	}
	sig := ed25519.Sign(signingKey, []byte(currChain))

	stepID := step.ID
	var promptPayload, outputPayload *string
	if spec.promptPayload != "" {
		promptPayload = &spec.promptPayload
	}
	if spec.outputPayload != "" {
		outputPayload = &spec.outputPayload
	}

	cp := Checkpoint{
		ID:                 uuid.NewString(),
		RunID:              run.ID,
		ExecutionID:        exec.ID,
		StepConfigID:       &stepID,
		ParentCheckpointID: spec.parent,
		TurnIndex:          spec.turnIndex,
		Kind:               spec.kind,
		Timestamp:          now,
		InputsSHA256:       spec.inputsSHA,
		OutputsSHA256:      spec.outputsSHA,
		Incident:           spec.incident,
		UsageTokens:        spec.usageTokens,
		PromptTokens:       spec.promptTokens,
		CompletionTokens:   spec.completion,
		SemanticDigest:     spec.semantic,
		PrevChain:          prevChain,
		CurrChain:          currChain,
		Signature:          base64.StdEncoding.EncodeToString(sig),
		PromptPayload:      promptPayload,
		OutputPayload:      outputPayload,
		Message:            spec.message,
	}

	if err := e.store.AppendCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	e.emit(run.ID, step.OrderIndex, stepID, "checkpoint_appended", map[string]interface{}{
		"checkpoint_id": cp.ID,
		"kind":          string(cp.Kind),
	})
	return &cp, nil
}

// appendIncident writes an Incident checkpoint (null inputs/outputs/usage
// beyond the cause itself) and records it on the metrics collector.
func (e *Engine) appendIncident(ctx context.Context, run *Run, exec *Execution, step *StepConfig, inc *Incident) (*Checkpoint, error) {
	cp, err := e.appendCheckpoint(ctx, run, exec, step, appendSpec{kind: KindIncident, incident: inc})
	if err != nil {
		return nil, err
	}
	e.emit(run.ID, step.OrderIndex, step.ID, "incident", map[string]interface{}{
		"incident_kind": inc.Kind,
		"details":       inc.Details,
	})
	if e.metrics != nil {
		e.metrics.RecordIncident(run.ID, inc.Kind)
		e.metrics.RecordCheckpointAppended(run.ID, KindIncident)
	}
	return cp, nil
}

func (e *Engine) latestChain(ctx context.Context, executionID string) (string, error) {
	latest, err := e.store.LatestCheckpoint(ctx, executionID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return latest.CurrChain, nil
}

func (e *Engine) cumulativeUsage(ctx context.Context, executionID string) (uint64, error) {
	cps, err := e.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, cp := range cps {
		total += cp.UsageTokens
	}
	return total, nil
}

// stepUsage sums prior prompt+completion tokens and counts prior turns for
// one interactive step's checkpoints within an execution.
func (e *Engine) stepUsage(ctx context.Context, executionID, stepID string) (tokens uint64, turns int, err error) {
	cps, err := e.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return 0, 0, err
	}
	seen := map[uint32]bool{}
	for _, cp := range cps {
		if cp.StepConfigID == nil || *cp.StepConfigID != stepID {
			continue
		}
		tokens += cp.UsageTokens
		if cp.TurnIndex != nil && !seen[*cp.TurnIndex] {
			seen[*cp.TurnIndex] = true
			turns++
		}
	}
	return tokens, turns, nil
}

// currentPolicy returns a project's current policy, the version it was
// read at, and the policy's canonical hash. The version is what the
// engine must use both for admission and for the ledger row it writes
// against, so that accounting never diverges from the policy actually
// enforced (see UpsertPolicy, which keeps runs repointed to match).
func (e *Engine) currentPolicy(ctx context.Context, projectID string) (Policy, int64, string, error) {
	pv, err := e.store.CurrentPolicyVersion(ctx, projectID)
	if err != nil {
		if err == store.ErrNotFound {
			p := DefaultPolicy()
			hash, herr := policyHash(p)
			return p, 0, hash, herr
		}
		return Policy{}, 0, "", err
	}
	hash, err := policyHash(pv.Policy)
	return pv.Policy, pv.Version, hash, err
}

func policyHash(p Policy) (string, error) {
	canon, err := MarshalCanonical(p)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}

// remainingStepBudget sums token_budget across run.Steps from fromIndex to
// the end, excluding interactive steps, per §4.5's projected-total formula.
func remainingStepBudget(steps []StepConfig, fromIndex int) uint64 {
	var total uint64
	for i := fromIndex; i < len(steps); i++ {
		if steps[i].IsInteractive() {
			continue
		}
		total += steps[i].TokenBudget
	}
	return total
}

func projectionDetails(est CostEstimate) string {
	return fmt.Sprintf(
		"projected_tokens=%d budget_tokens=%d projected_usd=%.6f budget_usd=%.6f projected_nature_cost=%.6f budget_nature_cost=%.6f",
		est.EstimatedTokens, est.BudgetTokens, est.EstimatedUSD, est.BudgetUSD, est.EstimatedNatureCost, est.BudgetNatureCost,
	)
}

func (e *Engine) recordLatency(runID string, started time.Time, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordCheckpointLatency(runID, e.clock().Sub(started), status)
}

func (e *Engine) emit(runID string, step int, nodeID, msg string, meta map[string]interface{}) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: msg, Meta: meta})
}
