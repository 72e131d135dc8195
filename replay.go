package receipt

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// ReplayMatchStatus classifies the outcome of a replay report.
type ReplayMatchStatus string

const (
	// ReplayMatch indicates the chain and signatures re-verified cleanly and,
	// for concordant proof mode, the original and replay semantic digests
	// fall within the run's epsilon.
	ReplayMatch ReplayMatchStatus = "match"
	// ReplayMismatch indicates verification succeeded structurally but the
	// semantic digests diverge beyond epsilon.
	ReplayMismatch ReplayMatchStatus = "mismatch"
	// ReplayErrored indicates chain recomputation or signature verification
	// itself failed; OriginalDigest/ReplayDigest are not meaningful.
	ReplayErrored ReplayMatchStatus = "error"
)

// ReplayReport is the simplified integrity check importing a CAR into a
// workspace runs: unlike the full Verify report of §4.6 it checks only the
// hash chain and signatures (not provenance or attachments), since an
// imported CAR's checkpoints are trusted data, not freshly produced output.
type ReplayReport struct {
	MatchStatus    ReplayMatchStatus
	OriginalDigest *string
	ReplayDigest   *string
	Error          *string
}

// replayError builds an errored report, mirroring verify.go's style of
// attaching the first failure's message rather than panicking.
func replayError(format string, args ...interface{}) *ReplayReport {
	msg := fmt.Sprintf(format, args...)
	return &ReplayReport{MatchStatus: ReplayErrored, Error: &msg}
}

// ReplayImport runs the import-time replay check of §4.6 over one
// execution's checkpoints: it recomputes the hash chain from scratch and
// verifies every checkpoint's Ed25519 signature under publicKey, then
// compares the run's recorded original/replay semantic digests (already
// computed at build time, for concordant proof mode) against epsilon.
//
// A chain or signature failure never panics; it is reported via
// MatchStatus=error so the caller (archive import) can synthesize an
// Incident rather than aborting the whole import.
func ReplayImport(checkpoints []Checkpoint, publicKey ed25519.PublicKey, mode ProofMode, epsilon *float64, proof Proof) *ReplayReport {
	prevChain := ""
	for i, cp := range checkpoints {
		if cp.PrevChain != prevChain {
			return replayError("checkpoint %d: prev_chain does not extend the chain", i)
		}
		gotChain, err := computeChain(prevChain, cp.body())
		if err != nil {
			return replayError("checkpoint %d: recompute chain: %v", i, err)
		}
		if gotChain != cp.CurrChain {
			return replayError("checkpoint %d: curr_chain mismatch", i)
		}
		sig, err := base64.StdEncoding.DecodeString(cp.Signature)
		if err != nil || len(sig) != ed25519.SignatureSize {
			return replayError("checkpoint %d: malformed signature", i)
		}
		if !ed25519.Verify(publicKey, []byte(cp.CurrChain), sig) {
			return replayError("checkpoint %d: signature verification failed", i)
		}
		prevChain = gotChain
	}

	if mode != ProofConcordant {
		return &ReplayReport{MatchStatus: ReplayMatch}
	}

	report := &ReplayReport{
		MatchStatus:    ReplayMatch,
		OriginalDigest: proof.OriginalSemanticDigest,
		ReplayDigest:   proof.ReplaySemanticDigest,
	}
	if proof.OriginalSemanticDigest == nil || proof.ReplaySemanticDigest == nil {
		return report
	}
	dist := SemanticDistance(*proof.OriginalSemanticDigest, *proof.ReplaySemanticDigest)
	eps := 0.0
	if epsilon != nil {
		eps = *epsilon
	}
	if dist < 0 || float64(dist) > eps {
		report.MatchStatus = ReplayMismatch
	}
	return report
}
