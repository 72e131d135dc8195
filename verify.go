package receipt

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
)

// VerifyPhase names one stage of CAR verification, reported independently
// so a caller can see exactly which phase failed and which were skipped.
type VerifyPhase string

const (
	PhaseHashChain   VerifyPhase = "hash_chain"
	PhaseSignatures  VerifyPhase = "signatures"
	PhaseProvenance  VerifyPhase = "provenance"
	PhaseAttachments VerifyPhase = "attachments"
)

// PhaseResult reports one phase's outcome: passed, or failed/skipped with
// an explanatory error.
type PhaseResult struct {
	Phase  VerifyPhase
	Passed bool
	Error  string
}

// VerifyReport is the full per-phase outcome of verifying a CAR.
type VerifyReport struct {
	Status             string // "verified" | "failed"
	HashChainValid     bool
	SignaturesValid    bool
	ContentIntegrityValid bool
	AttachmentsVerified int
	AttachmentsTotal    int
	Phases             []PhaseResult
}

// AllPassed reports whether every phase reported a pass.
func (r VerifyReport) AllPassed() bool {
	for _, p := range r.Phases {
		if !p.Passed {
			return false
		}
	}
	return true
}

// AttachmentBytes resolves an attachment reference (its SHA-256 hash) to
// its raw bytes during verification of a ZIP-packaged CAR, or reports
// ErrNotFound.
type AttachmentBytes func(hash string) ([]byte, error)

// Verify re-derives the hash chain, verifies every checkpoint signature
// and the top-level body signature, checks provenance claims, and (when
// attachmentBytes is non-nil) verifies every attachment referenced by the
// CAR. Verification stops recomputing at the first failing phase and
// marks downstream phases skipped, per spec §7's integrity-violation
// policy for verification paths.
func Verify(car *CAR, attachmentBytes AttachmentBytes) VerifyReport {
	report := VerifyReport{Status: "verified"}

	hashOK, hashErr := verifyHashChain(car)
	report.Phases = append(report.Phases, PhaseResult{Phase: PhaseHashChain, Passed: hashOK, Error: errString(hashErr)})
	report.HashChainValid = hashOK
	if !hashOK {
		report.Status = "failed"
		report.Phases = append(report.Phases,
			skipped(PhaseSignatures, hashErr),
			skipped(PhaseProvenance, hashErr),
			skipped(PhaseAttachments, hashErr))
		return report
	}

	sigOK, sigErr := verifySignatures(car)
	report.Phases = append(report.Phases, PhaseResult{Phase: PhaseSignatures, Passed: sigOK, Error: errString(sigErr)})
	report.SignaturesValid = sigOK
	if !sigOK {
		report.Status = "failed"
		report.Phases = append(report.Phases, skipped(PhaseProvenance, sigErr), skipped(PhaseAttachments, sigErr))
		return report
	}

	provOK, provErr := verifyProvenance(car)
	report.Phases = append(report.Phases, PhaseResult{Phase: PhaseProvenance, Passed: provOK, Error: errString(provErr)})
	report.ContentIntegrityValid = provOK
	if !provOK {
		report.Status = "failed"
		report.Phases = append(report.Phases, skipped(PhaseAttachments, provErr))
		return report
	}

	if attachmentBytes != nil {
		verified, total, attErr := verifyAttachments(car, attachmentBytes)
		report.AttachmentsVerified = verified
		report.AttachmentsTotal = total
		ok := attErr == nil
		report.Phases = append(report.Phases, PhaseResult{Phase: PhaseAttachments, Passed: ok, Error: errString(attErr)})
		if !ok {
			report.Status = "failed"
		}
	}

	return report
}

func skipped(phase VerifyPhase, cause error) PhaseResult {
	return PhaseResult{Phase: phase, Passed: false, Error: "skipped: " + errString(cause)}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// verifyHashChain re-derives curr_chain_i for i=0..N-1 and compares against
// the persisted value embedded in the process proof.
func verifyHashChain(car *CAR) (bool, error) {
	if car.Proof.Process == nil {
		return false, NewError(KindIntegrity, "CAR carries no process proof", nil)
	}
	checkpoints := car.Proof.Process.SequentialCheckpoints
	for i, cp := range checkpoints {
		body := CheckpointBody{
			RunID:            car.RunID,
			Kind:             cp.Kind,
			Timestamp:        cp.Timestamp,
			InputsSHA256:     cp.InputsSHA256,
			OutputsSHA256:    cp.OutputsSHA256,
			Incident:         nil,
			UsageTokens:      cp.UsageTokens,
			PromptTokens:     cp.PromptTokens,
			CompletionTokens: cp.CompletionTokens,
		}
		recomputed, err := computeChain(cp.PrevChain, body)
		if err != nil {
			return false, err
		}
		if recomputed != cp.CurrChain {
			return false, NewError(KindIntegrity, "chain mismatch at checkpoint index", ErrChainMismatch)
		}
		if i+1 < len(checkpoints) && checkpoints[i+1].PrevChain != cp.CurrChain {
			return false, NewError(KindIntegrity, "prev_chain discontinuity", ErrChainMismatch)
		}
	}
	return true, nil
}

// verifySignatures verifies every checkpoint signature plus, when present
// and carrying the "ed25519-body:" prefix, the top-level body signature.
func verifySignatures(car *CAR) (bool, error) {
	pub, err := base64.StdEncoding.DecodeString(car.SignerPublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, NewError(KindMalformed, "invalid signer public key", err)
	}

	if car.Proof.Process != nil {
		for _, cp := range car.Proof.Process.SequentialCheckpoints {
			sig, err := base64.StdEncoding.DecodeString(cp.Signature)
			if err != nil || len(sig) != ed25519.SignatureSize {
				return false, NewError(KindIntegrity, "malformed checkpoint signature", ErrSignatureInvalid)
			}
			if !ed25519.Verify(pub, []byte(cp.CurrChain), sig) {
				return false, NewError(KindIntegrity, "checkpoint signature verification failed", ErrSignatureInvalid)
			}
		}
	}

	for _, sig := range car.Signatures {
		if !strings.HasPrefix(sig, signaturePrefix) {
			// Legacy CARs may present signatures without the prefix; treat
			// as "top-level signature absent" and continue.
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
		if err != nil {
			return false, NewError(KindMalformed, "malformed body signature", err)
		}
		toSign := car.bodyForSigning()
		canon, err := MarshalCanonical(toSign)
		if err != nil {
			return false, err
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), canon, raw) {
			return false, NewError(KindIntegrity, "body signature verification failed", ErrSignatureInvalid)
		}
	}
	return true, nil
}

// verifyProvenance checks the CAR's provenance claims for internal
// consistency: every input/output claim must appear among the embedded
// checkpoints' hashes. The config claim's hash is not recomputed (step
// configs are not embedded in the CAR); it is only checked to be non-empty.
func verifyProvenance(car *CAR) (bool, error) {
	seenInputs := map[string]bool{}
	seenOutputs := map[string]bool{}
	if car.Proof.Process != nil {
		for _, cp := range car.Proof.Process.SequentialCheckpoints {
			if cp.InputsSHA256 != nil {
				seenInputs["sha256:"+*cp.InputsSHA256] = true
			}
			if cp.OutputsSHA256 != nil {
				seenOutputs["sha256:"+*cp.OutputsSHA256] = true
			}
		}
	}
	for _, claim := range car.Provenance {
		switch claim.ClaimType {
		case claimInput:
			if !seenInputs[claim.SHA256] {
				return false, NewError(KindIntegrity, "input provenance claim not found in checkpoints", nil)
			}
		case claimOutput:
			if !seenOutputs[claim.SHA256] {
				return false, NewError(KindIntegrity, "output provenance claim not found in checkpoints", nil)
			}
		case claimConfig:
			// The config hash is opaque without the original step list;
			// presence and well-formedness is all that's checkable here.
			if claim.SHA256 == "" {
				return false, NewError(KindIntegrity, "empty config provenance claim", nil)
			}
		default:
			return false, NewError(KindMalformed, "unknown provenance claim type", nil)
		}
	}
	return true, nil
}

// verifyAttachments resolves every attachment hash referenced by the CAR's
// output claims and verifies SHA256(bytes) == hash.
func verifyAttachments(car *CAR, bytesFor AttachmentBytes) (verified, total int, err error) {
	for _, claim := range car.Provenance {
		if claim.ClaimType != claimOutput {
			continue
		}
		hash := strings.TrimPrefix(claim.SHA256, "sha256:")
		total++
		b, getErr := bytesFor(hash)
		if getErr != nil {
			return verified, total, NewError(KindIntegrity, "attachment missing: "+hash, getErr)
		}
		if SHA256Hex(b) != hash {
			return verified, total, NewError(KindIntegrity, "attachment hash mismatch: "+hash, ErrNotFound)
		}
		verified++
	}
	return verified, total, nil
}
