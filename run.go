package receipt

import (
	"math"
	"time"
)

// ProofMode selects how replay equivalence is judged for a run.
type ProofMode string

const (
	// ProofExact requires byte-identical outputs on replay.
	ProofExact ProofMode = "exact"
	// ProofConcordant tolerates a semantic-digest Hamming distance <= epsilon.
	ProofConcordant ProofMode = "concordant"
)

// CheckpointType distinguishes an ordinary single-shot step from an
// interactive, multi-turn chat step.
type CheckpointType string

const (
	// CheckpointStandard produces exactly one checkpoint per step.
	CheckpointStandard CheckpointType = "standard"
	// CheckpointInteractiveChat defers checkpoint production to submit_turn
	// calls instead of running automatically.
	CheckpointInteractiveChat CheckpointType = "InteractiveChat"
)

// StubModelID is the reserved model identifier that selects the
// deterministic stub generator instead of a real inference backend.
const StubModelID = "stub"

// Project is an identity plus its long-lived Ed25519 key pair. The private
// key lives only in the keystore; PublicKey is the only key material
// persisted alongside the project row.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
	PublicKey string // base64
}

// StepConfig is one ordered entry in a run's step list.
type StepConfig struct {
	ID             string
	RunID          string
	OrderIndex     int
	StepType       string
	CheckpointType CheckpointType
	Model          string
	Prompt         string
	TokenBudget    uint64
	ProofMode      ProofMode
	Epsilon        *float64
}

// IsInteractive reports whether this step defers checkpointing to
// submit_turn/finalize_interactive rather than running automatically.
func (s *StepConfig) IsInteractive() bool {
	return s.CheckpointType == CheckpointInteractiveChat
}

// Run is a recorded execution plan and its metadata.
type Run struct {
	ID            string
	ProjectID     string
	Name          string
	CreatedAt     time.Time
	ProofMode     ProofMode
	Seed          uint64
	TokenBudget   uint64
	DefaultModel  string
	Epsilon       *float64
	PolicyVersion int64
	SpecJSON      string // canonical JSON of the step list, for provenance's config claim
	Steps         []StepConfig
}

// Execution groups the checkpoints produced by one attempt at running a
// Run. Re-running a cloned or reopened run creates a new Execution.
type Execution struct {
	ID        string
	RunID     string
	CreatedAt time.Time
}

// Validate checks field-level invariants that must hold before a run spec
// is persisted: concordant mode requires a finite, non-negative epsilon.
func (r *Run) Validate() error {
	if r.ProofMode != ProofExact && r.ProofMode != ProofConcordant {
		return NewError(KindMalformed, "unknown proof mode", nil)
	}
	if r.ProofMode == ProofConcordant {
		if r.Epsilon == nil {
			return NewError(KindMalformed, "concordant proof mode requires epsilon", nil)
		}
		if math.IsNaN(*r.Epsilon) || math.IsInf(*r.Epsilon, 0) {
			return NewError(KindMalformed, "epsilon must be finite", nil)
		}
		if *r.Epsilon < 0 {
			return NewError(KindMalformed, "epsilon must be >= 0", nil)
		}
	}
	for i, step := range r.Steps {
		if step.OrderIndex != i {
			return NewError(KindMalformed, "step order_index must match position", nil)
		}
	}
	return nil
}
