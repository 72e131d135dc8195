package receipt

import (
	"crypto/ed25519"
	"encoding/base64"
	"math"
	"time"
)

// S-Grade component weights, normative per DESIGN.md's resolution of the
// spec's open question — taken verbatim from the reference implementation.
const (
	weightProvenance = 0.30
	weightReplay     = 0.30
	weightEnergy     = 0.15
	weightConsent    = 0.15
	weightIncidents  = 0.10

	// consentScoreDefault is a fixed placeholder pending a policy-level
	// consent field (see DESIGN.md open-question resolution).
	consentScoreDefault = 0.8
)

// SGradeComponents are the five weighted factors behind the integer score.
type SGradeComponents struct {
	Provenance float64 `json:"provenance"`
	Energy     float64 `json:"energy"`
	Replay     float64 `json:"replay"`
	Consent    float64 `json:"consent"`
	Incidents  float64 `json:"incidents"`
}

// SGrade is the integer 0-100 quality score plus its components.
type SGrade struct {
	Score      uint8            `json:"score"`
	Components SGradeComponents `json:"components"`
}

// calculateSGrade computes the S-Grade from three booleans: whether the
// replay succeeded, whether the execution carries any incidents, and
// whether an energy/nature-cost estimate was available. Provenance is
// always assumed 1.0 (config/input/output claims are always attached by
// the builder) and consent is a fixed placeholder.
func calculateSGrade(replaySuccessful, hadIncidents, energyEstimated bool) SGrade {
	c := SGradeComponents{
		Provenance: 1.0,
		Consent:    consentScoreDefault,
	}
	if replaySuccessful {
		c.Replay = 1.0
	}
	if energyEstimated {
		c.Energy = 1.0
	} else {
		c.Energy = 0.2
	}
	if !hadIncidents {
		c.Incidents = 1.0
	}

	weighted := c.Provenance*weightProvenance +
		c.Replay*weightReplay +
		c.Energy*weightEnergy +
		c.Consent*weightConsent +
		c.Incidents*weightIncidents

	score := math.Round(weighted * 100)
	if score < 0 {
		score = 0
	}
	if score > 255 {
		score = 255
	}
	return SGrade{Score: uint8(score), Components: c}
}

// Sampler describes the stochastic-decoding parameters used for a run,
// when applicable.
type Sampler struct {
	Temp float64 `json:"temp"`
	TopP float64 `json:"top_p"`
	RNG  string  `json:"rng"`
}

// RunInfo is the CAR's descriptive summary of the run it proves.
type RunInfo struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Model   string   `json:"model"`
	Version string   `json:"version"`
	Seed    uint64   `json:"seed"`
	Steps   []string `json:"steps"`
	Sampler *Sampler `json:"sampler,omitempty"`
}

// ProcessCheckpointProof carries a checkpoint's chain fields plus its
// identifying and content fields, verbatim, for embedding in a CAR.
type ProcessCheckpointProof struct {
	ID                 string  `json:"id"`
	ParentCheckpointID *string `json:"parent_checkpoint_id,omitempty"`
	TurnIndex          *uint32 `json:"turn_index,omitempty"`
	Kind               string  `json:"kind"`
	Timestamp          string  `json:"timestamp"`
	InputsSHA256       *string `json:"inputs_sha256,omitempty"`
	OutputsSHA256      *string `json:"outputs_sha256,omitempty"`
	UsageTokens        uint64  `json:"usage_tokens"`
	PromptTokens       uint64  `json:"prompt_tokens"`
	CompletionTokens   uint64  `json:"completion_tokens"`
	PrevChain          string  `json:"prev_chain"`
	CurrChain          string  `json:"curr_chain"`
	Signature          string  `json:"signature"`
}

// ProcessProof wraps the sequential per-checkpoint proofs for match_kind
// "process".
type ProcessProof struct {
	SequentialCheckpoints []ProcessCheckpointProof `json:"sequential_checkpoints"`
}

// Proof describes how replay equivalence was judged for this CAR.
type Proof struct {
	MatchKind              string        `json:"match_kind"`
	Epsilon                *float64      `json:"epsilon,omitempty"`
	DistanceMetric         *string       `json:"distance_metric,omitempty"`
	OriginalSemanticDigest *string       `json:"original_semantic_digest,omitempty"`
	ReplaySemanticDigest   *string       `json:"replay_semantic_digest,omitempty"`
	Process                *ProcessProof `json:"process,omitempty"`
}

// PolicyRef pins the policy snapshot a CAR was produced under.
type PolicyRef struct {
	Hash                string `json:"hash"`
	Egress              bool   `json:"egress"`
	Estimator           string `json:"estimator"`
	ModelCatalogHash    string `json:"model_catalog_hash"`
	ModelCatalogVersion string `json:"model_catalog_version"`
}

// Budgets is the budget snapshot embedded in a CAR.
type Budgets struct {
	USD        float64 `json:"usd"`
	Tokens     uint64  `json:"tokens"`
	NatureCost float64 `json:"nature_cost"`
}

// ProvenanceClaim is a typed content hash referenced from a CAR.
type ProvenanceClaim struct {
	ClaimType string `json:"claim_type"`
	SHA256    string `json:"sha256"`
}

const (
	claimConfig = "config"
	claimInput  = "input"
	claimOutput = "output"
)

// signaturePrefix marks a body signature as an Ed25519 signature over the
// canonical body with id and signatures cleared, per DESIGN.md's
// canonical-form decision.
const signaturePrefix = "ed25519-body:"

// CAR is the top-level portable proof artifact for one execution.
type CAR struct {
	ID              string            `json:"id"`
	RunID           string            `json:"run_id"`
	CreatedAt       string            `json:"created_at"`
	Run             RunInfo           `json:"run"`
	Proof           Proof             `json:"proof"`
	PolicyRef       PolicyRef         `json:"policy_ref"`
	Budgets         Budgets           `json:"budgets"`
	Provenance      []ProvenanceClaim `json:"provenance"`
	Checkpoints     []string          `json:"checkpoints"`
	SGrade          SGrade            `json:"sgrade"`
	SignerPublicKey string            `json:"signer_public_key"`
	Signatures      []string          `json:"signatures"`
}

// bodyForSigning returns a copy of car with ID cleared and Signatures
// replaced by an empty (non-nil) slice, the canonical form both the `id`
// hash and the body signature are computed and verified over. ID must be
// cleared too: signCAR runs before car.ID is assigned, so the signed bytes
// never carry an id; verifySignatures must reconstruct those same
// id-less bytes from the fully-populated CAR it is checking, or the
// signature can never match.
func (c CAR) bodyForSigning() CAR {
	clone := c
	clone.ID = ""
	clone.Signatures = []string{}
	return clone
}

// BuildOptions configures CAR assembly beyond what can be derived from the
// run and its checkpoints alone.
type BuildOptions struct {
	RunName             string
	Version             string
	Sampler             *Sampler
	ModelCatalogHash    string
	ModelCatalogVersion string
	Estimator           string
	// EnergyEstimated indicates whether a nature-cost estimate was computed
	// for this run, feeding the S-Grade energy component.
	EnergyEstimated bool
}

// BuildCAR assembles a CAR from a run, its step configs, the checkpoints of
// its latest completed execution, the current policy, and the project's
// signing key. Checkpoint fields are included verbatim, never re-derived.
func BuildCAR(run *Run, checkpoints []Checkpoint, policy Policy, policyHash string, signingKey ed25519.PrivateKey, publicKey ed25519.PublicKey, opts BuildOptions) (*CAR, error) {
	steps := make([]string, len(run.Steps))
	for i, s := range run.Steps {
		steps[i] = s.Model
	}

	configHash, err := stepConfigsHash(run.Steps)
	if err != nil {
		return nil, err
	}

	provenance := []ProvenanceClaim{{ClaimType: claimConfig, SHA256: "sha256:" + configHash}}
	seenInputs := map[string]bool{}
	seenOutputs := map[string]bool{}
	hadIncidents := false
	checkpointIDs := make([]string, len(checkpoints))
	proofs := make([]ProcessCheckpointProof, len(checkpoints))

	var lastOutputsDigest *string
	for i, cp := range checkpoints {
		checkpointIDs[i] = cp.ID
		if cp.Kind == KindIncident {
			hadIncidents = true
		}
		if cp.InputsSHA256 != nil && !seenInputs[*cp.InputsSHA256] {
			seenInputs[*cp.InputsSHA256] = true
			provenance = append(provenance, ProvenanceClaim{ClaimType: claimInput, SHA256: "sha256:" + *cp.InputsSHA256})
		}
		if cp.OutputsSHA256 != nil && !seenOutputs[*cp.OutputsSHA256] {
			seenOutputs[*cp.OutputsSHA256] = true
			provenance = append(provenance, ProvenanceClaim{ClaimType: claimOutput, SHA256: "sha256:" + *cp.OutputsSHA256})
		}
		if cp.SemanticDigest != nil {
			lastOutputsDigest = cp.SemanticDigest
		}
		proofs[i] = ProcessCheckpointProof{
			ID:                 cp.ID,
			ParentCheckpointID: cp.ParentCheckpointID,
			TurnIndex:          cp.TurnIndex,
			Kind:               string(cp.Kind),
			Timestamp:          cp.Timestamp.UTC().Format(time.RFC3339Nano),
			InputsSHA256:       cp.InputsSHA256,
			OutputsSHA256:      cp.OutputsSHA256,
			UsageTokens:        cp.UsageTokens,
			PromptTokens:       cp.PromptTokens,
			CompletionTokens:   cp.CompletionTokens,
			PrevChain:          cp.PrevChain,
			CurrChain:          cp.CurrChain,
			Signature:          cp.Signature,
		}
	}

	matchKind := "process"
	proof := Proof{
		MatchKind: matchKind,
		Process:   &ProcessProof{SequentialCheckpoints: proofs},
	}
	if run.ProofMode == ProofConcordant {
		proof.Epsilon = run.Epsilon
		metric := "hamming"
		proof.DistanceMetric = &metric
		proof.ReplaySemanticDigest = lastOutputsDigest
	}

	sgrade := calculateSGrade(!hadIncidents, hadIncidents, opts.EnergyEstimated)

	car := CAR{
		RunID:     run.ID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Run: RunInfo{
			Kind:    "llm-workflow",
			Name:    opts.RunName,
			Model:   run.DefaultModel,
			Version: opts.Version,
			Seed:    run.Seed,
			Steps:   steps,
			Sampler: opts.Sampler,
		},
		Proof: proof,
		PolicyRef: PolicyRef{
			Hash:                policyHash,
			Egress:              policy.AllowNetwork,
			Estimator:           opts.Estimator,
			ModelCatalogHash:    opts.ModelCatalogHash,
			ModelCatalogVersion: opts.ModelCatalogVersion,
		},
		Budgets: Budgets{
			USD:        policy.BudgetUSD,
			Tokens:     policy.BudgetTokens,
			NatureCost: policy.BudgetNatureCost,
		},
		Provenance:      provenance,
		Checkpoints:     checkpointIDs,
		SGrade:          sgrade,
		SignerPublicKey: base64.StdEncoding.EncodeToString(publicKey),
		Signatures:      []string{},
	}

	signed, err := signCAR(car, signingKey)
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// signCAR computes the CAR id and body signature over the canonical body
// with id and signatures cleared, per DESIGN.md's canonical-form decision.
func signCAR(car CAR, signingKey ed25519.PrivateKey) (*CAR, error) {
	toSign := car.bodyForSigning()
	canon, err := MarshalCanonical(toSign)
	if err != nil {
		return nil, err
	}

	car.ID = "car:" + SHA256Hex(canon)
	sig := ed25519.Sign(signingKey, canon)
	car.Signatures = []string{signaturePrefix + base64.StdEncoding.EncodeToString(sig)}
	return &car, nil
}

// stepConfigsHash computes the config provenance claim's hash: SHA-256 of
// the canonical JSON of the run's step list.
func stepConfigsHash(steps []StepConfig) (string, error) {
	canon, err := MarshalCanonical(steps)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}
