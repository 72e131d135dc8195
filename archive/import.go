package archive

import (
	"archive/zip"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/arcreceipt/car"
	"github.com/arcreceipt/car/attachment"
	"github.com/arcreceipt/car/store"
)

// Report summarizes one Import call's outcome.
type Report struct {
	ProjectID          string
	RunsImported       int
	CARsImported       int
	IncidentsGenerated int
	OrphanedConfigRefsRepaired int
}

// Import reads a ZIP archive produced by Export, re-verifies every entry
// against its manifest hash, and inserts the project, policy history,
// runs, and CARs into st. It refuses outright if the project id already
// exists locally or if any manifest entry's hash does not match. Once past
// that gate, checkpoint-level signature and budget problems are repaired
// by synthesizing Incident checkpoints rather than aborting the import,
// per the archive's tamper-tolerant ingestion semantics.
func Import(ctx context.Context, st store.Store, attachments *attachment.Store, r io.ReaderAt, size int64) (*Report, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, receipt.NewError(receipt.KindMalformed, "open archive", err)
	}

	files := map[string]*zip.File{}
	for _, f := range zr.File {
		files[f.Name] = f
	}

	manifestFile, ok := files[manifestPath]
	if !ok {
		return nil, receipt.NewError(receipt.KindMalformed, "archive carries no manifest.json", nil)
	}
	manifestRaw, err := readAll(manifestFile)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, receipt.NewError(receipt.KindMalformed, "parse manifest.json", err)
	}

	entryBytes := map[string][]byte{}
	for _, entry := range manifest.Entries {
		f, ok := files[entry.Path]
		if !ok {
			return nil, receipt.NewError(receipt.KindIntegrity, "manifest references missing entry: "+entry.Path, receipt.ErrNotFound)
		}
		raw, err := readAll(f)
		if err != nil {
			return nil, err
		}
		if receipt.SHA256Hex(raw) != entry.SHA256 {
			return nil, receipt.NewError(receipt.KindIntegrity, "entry hash mismatch: "+entry.Path, nil)
		}
		entryBytes[entry.Path] = raw
	}

	if _, err := st.GetProject(ctx, manifest.ProjectID); err == nil {
		return nil, receipt.NewError(receipt.KindMalformed, "project already exists locally: "+manifest.ProjectID, nil)
	} else if err != store.ErrNotFound {
		return nil, err
	}

	var project receipt.Project
	if raw, ok := entryBytes["project.json"]; ok {
		if err := json.Unmarshal(raw, &project); err != nil {
			return nil, receipt.NewError(receipt.KindMalformed, "parse project.json", err)
		}
	} else {
		return nil, receipt.NewError(receipt.KindMalformed, "archive carries no project.json", nil)
	}
	if err := st.CreateProject(ctx, project); err != nil {
		return nil, err
	}

	pubKeyRaw, err := base64.StdEncoding.DecodeString(project.PublicKey)
	if err != nil || len(pubKeyRaw) != ed25519.PublicKeySize {
		return nil, receipt.NewError(receipt.KindMalformed, "project public key is malformed", err)
	}
	pubKey := ed25519.PublicKey(pubKeyRaw)

	report := &Report{ProjectID: project.ID}

	if err := importPolicies(ctx, st, entryBytes, project.ID); err != nil {
		return nil, err
	}

	for path, raw := range entryBytes {
		if !isRunPath(path) {
			continue
		}
		var record RunRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, receipt.NewError(receipt.KindMalformed, "parse "+path, err)
		}
		generated, repaired, err := importRun(ctx, st, record, pubKey)
		if err != nil {
			return nil, err
		}
		report.IncidentsGenerated += generated
		report.OrphanedConfigRefsRepaired += repaired
		report.RunsImported++
	}

	for path, raw := range entryBytes {
		if !isCARPath(path) {
			continue
		}
		var c receipt.CAR
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, receipt.NewError(receipt.KindMalformed, "parse "+path, err)
		}
		if err := importCAR(ctx, st, attachments, &c, pubKey); err != nil {
			return nil, err
		}
		report.CARsImported++
	}

	return report, nil
}

func importPolicies(ctx context.Context, st store.Store, entries map[string][]byte, projectID string) error {
	var versions []receipt.PolicyVersion
	if raw, ok := entries["policy_versions.json"]; ok {
		if err := json.Unmarshal(raw, &versions); err != nil {
			return receipt.NewError(receipt.KindMalformed, "parse policy_versions.json", err)
		}
	} else {
		var policy receipt.Policy
		if raw, ok := entries["policy.json"]; ok {
			if err := json.Unmarshal(raw, &policy); err != nil {
				return receipt.NewError(receipt.KindMalformed, "parse policy.json", err)
			}
		} else {
			policy = receipt.DefaultPolicy()
		}
		notes := "synthesized on import: archive carried no policy_versions.json"
		versions = []receipt.PolicyVersion{{
			ProjectID:   projectID,
			Version:     1,
			Policy:      policy,
			ChangeNotes: &notes,
		}}
	}
	for _, pv := range versions {
		pv.ProjectID = projectID
		if err := st.CreatePolicyVersion(ctx, pv); err != nil {
			return err
		}
	}
	return nil
}

// importRun reconstructs one run, its step configs, and its executions,
// repairing orphaned checkpoint_config_id references before insertion and
// synthesizing Incident checkpoints for any signature or budget violation
// found in the imported chain.
func importRun(ctx context.Context, st store.Store, record RunRecord, pubKey ed25519.PublicKey) (generated, repaired int, err error) {
	validStepIDs := map[string]bool{}
	for _, step := range record.Run.Steps {
		validStepIDs[step.ID] = true
	}

	if err := st.CreateRun(ctx, record.Run); err != nil {
		return 0, 0, err
	}

	for _, execRecord := range record.Executions {
		if err := st.CreateExecution(ctx, execRecord.Execution); err != nil {
			return generated, repaired, err
		}

		prevChain := ""
		cumulative := map[string]uint64{}
		for i := range execRecord.Checkpoints {
			cp := execRecord.Checkpoints[i]

			if cp.StepConfigID != nil && !validStepIDs[*cp.StepConfigID] {
				cp.StepConfigID = nil
				repaired++
			}

			if cp.Incident == nil {
				if inc := checkpointIncident(cp, prevChain, pubKey); inc != nil {
					cp.Incident = inc
					cp.Kind = receipt.KindIncident
					generated++
				} else if cp.StepConfigID != nil {
					cumulative[*cp.StepConfigID] += cp.UsageTokens
					if budget := stepBudget(record.Run, *cp.StepConfigID); budget > 0 && cumulative[*cp.StepConfigID] > budget {
						cp.Incident = &receipt.Incident{
							Kind:     "checkpoint_budget_exceeded",
							Severity: "error",
							Details:  fmt.Sprintf("usage_tokens=%d > step budget=%d", cumulative[*cp.StepConfigID], budget),
						}
						cp.Kind = receipt.KindIncident
						generated++
					}
				}
			}

			prevChain = cp.CurrChain
			if err := st.AppendCheckpoint(ctx, cp); err != nil {
				return generated, repaired, err
			}
		}
	}
	return generated, repaired, nil
}

// checkpointIncident returns a signature_verification_failed Incident if
// cp's signature does not verify over its recorded curr_chain under
// pubKey, or nil if it verifies cleanly. It trusts the persisted
// prev_chain/curr_chain linkage rather than recomputing the body hash,
// since a Step checkpoint's original prompt/output text may not have
// survived export.
func checkpointIncident(cp receipt.Checkpoint, prevChain string, pubKey ed25519.PublicKey) *receipt.Incident {
	if cp.PrevChain != prevChain {
		return &receipt.Incident{Kind: "signature_verification_failed", Severity: "error", Details: "prev_chain discontinuity on import"}
	}
	sig, err := base64.StdEncoding.DecodeString(cp.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return &receipt.Incident{Kind: "signature_verification_failed", Severity: "error", Details: "malformed signature"}
	}
	if !ed25519.Verify(pubKey, []byte(cp.CurrChain), sig) {
		return &receipt.Incident{Kind: "signature_verification_failed", Severity: "error", Details: "signature does not verify under project public key"}
	}
	return nil
}

func stepBudget(run receipt.Run, stepID string) uint64 {
	for _, step := range run.Steps {
		if step.ID == stepID {
			return step.TokenBudget
		}
	}
	return 0
}

// importCAR verifies a CAR's chain, signatures, and (when attachments is
// non-nil) its referenced attachments, then persists it. CAR-level
// integrity failures refuse the whole import rather than synthesizing an
// incident, since a CAR is an immutable artifact, not a mutable checkpoint
// row.
func importCAR(ctx context.Context, st store.Store, attachments *attachment.Store, c *receipt.CAR, pubKey ed25519.PublicKey) error {
	var bytesFor receipt.AttachmentBytes
	if attachments != nil {
		bytesFor = attachments.Get
	}
	report := receipt.Verify(c, bytesFor)
	if !report.HashChainValid || !report.SignaturesValid {
		return receipt.NewError(receipt.KindIntegrity, "CAR failed chain/signature verification on import", nil)
	}
	return st.SaveCAR(ctx, c.RunID, *c)
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, receipt.NewError(receipt.KindTransient, "open archive entry "+f.Name, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, receipt.NewError(receipt.KindTransient, "read archive entry "+f.Name, err)
	}
	return raw, nil
}

func isRunPath(path string) bool { return strings.HasPrefix(path, "runs/") }

func isCARPath(path string) bool { return strings.HasPrefix(path, "cars/") }
