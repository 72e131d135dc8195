package receipt

import (
	"encoding/json"
	"strings"
	"time"
)

// CheckpointKind distinguishes successful work from a policy/integrity
// failure recorded in the same chain.
type CheckpointKind string

const (
	// KindStep marks a checkpoint produced by successful step execution.
	KindStep CheckpointKind = "Step"
	// KindIncident marks a checkpoint recording a budget or integrity
	// failure. Incident checkpoints leave inputs_sha256, outputs_sha256,
	// and semantic_digest null.
	KindIncident CheckpointKind = "Incident"
)

// maxPayloadChars bounds sanitized prompt/output payloads persisted to the
// checkpoint_payloads side table.
const maxPayloadChars = 65536

// Incident is a typed, severity-tagged structured note embedded in an
// Incident checkpoint's body.
type Incident struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Details  string `json:"details"`
}

// newBudgetIncident builds the Incident payload for a per-step or
// post-hoc budget violation (kind="budget_exceeded").
func newBudgetIncident(details string) *Incident {
	return &Incident{Kind: "budget_exceeded", Severity: "error", Details: details}
}

// newBudgetProjectionIncident builds the Incident payload for a run-wide
// projected-budget violation (kind="budget_projection_exceeded").
func newBudgetProjectionIncident(details string) *Incident {
	return &Incident{Kind: "budget_projection_exceeded", Severity: "error", Details: details}
}

// CheckpointBody is the exact canonicalization schema of §6: every field is
// always present, null where absent, and keys are sorted by CanonicalJSON.
type CheckpointBody struct {
	RunID            string    `json:"run_id"`
	Kind             string    `json:"kind"`
	Timestamp        string    `json:"timestamp"`
	InputsSHA256     *string   `json:"inputs_sha256"`
	OutputsSHA256    *string   `json:"outputs_sha256"`
	Incident         *Incident `json:"incident"`
	UsageTokens      uint64    `json:"usage_tokens"`
	PromptTokens     uint64    `json:"prompt_tokens"`
	CompletionTokens uint64    `json:"completion_tokens"`
}

// Checkpoint is one persisted link in a run execution's hash chain.
type Checkpoint struct {
	ID                  string
	RunID               string
	ExecutionID         string
	StepConfigID        *string
	ParentCheckpointID  *string
	TurnIndex           *uint32
	Kind                CheckpointKind
	Timestamp           time.Time
	InputsSHA256        *string
	OutputsSHA256       *string
	Incident            *Incident
	UsageTokens         uint64
	PromptTokens        uint64
	CompletionTokens    uint64
	SemanticDigest      *string
	PrevChain           string
	CurrChain           string
	Signature           string
	PromptPayload       *string
	OutputPayload       *string
	Message             *CheckpointMessage
}

// CheckpointMessage is an interactive-turn side record: the human or AI
// message exchanged for one turn of an InteractiveChat step.
type CheckpointMessage struct {
	Role string // "human" or "ai"
	Body string
}

// body renders the canonicalization-schema view of a checkpoint: exactly
// the fields of §6, independent of persistence-only fields like ID.
func (c *Checkpoint) body() CheckpointBody {
	return CheckpointBody{
		RunID:            c.RunID,
		Kind:             string(c.Kind),
		Timestamp:        c.Timestamp.UTC().Format(time.RFC3339Nano),
		InputsSHA256:     c.InputsSHA256,
		OutputsSHA256:    c.OutputsSHA256,
		Incident:         c.Incident,
		UsageTokens:      c.UsageTokens,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
	}
}

// computeChain canonicalizes the checkpoint body and computes
// curr_chain = SHA256(prev_chain || canonical(body)). The signature is
// computed separately by the caller, which holds the signing key.
func computeChain(prevChain string, body CheckpointBody) (string, error) {
	canon, err := MarshalCanonical(body)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(prevChain)+len(canon))
	buf = append(buf, prevChain...)
	buf = append(buf, canon...)
	return SHA256Hex(buf), nil
}

// sanitizePayload strips control characters (other than \n, \r, \t) and
// truncates at maxPayloadChars, appending an explicit truncation marker.
// Grounded on the reference implementation's sanitize_payload: truncation
// always leaves the result ending in a newline before the marker.
func sanitizePayload(payload string) string {
	var b strings.Builder
	count := 0
	truncated := false
	for _, r := range payload {
		if isControlExceptWhitespace(r) {
			continue
		}
		if count >= maxPayloadChars {
			truncated = true
			break
		}
		b.WriteRune(r)
		count++
	}
	result := b.String()
	if truncated {
		if !strings.HasSuffix(result, "\n") {
			result += "\n"
		}
		result += "…[truncated]"
	}
	return result
}

// marshalIncidentJSON renders an Incident to a json.RawMessage for storage
// in the `incident` column, or nil when absent.
func marshalIncidentJSON(inc *Incident) (json.RawMessage, error) {
	if inc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(inc)
	if err != nil {
		return nil, NewError(KindProgrammer, "marshal incident", err)
	}
	return raw, nil
}
