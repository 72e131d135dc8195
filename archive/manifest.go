// Package archive packages one project's runs, policies, and CARs into a
// single portable ZIP and re-ingests them with full checksum and
// signature re-verification.
package archive

import (
	"encoding/json"

	"github.com/arcreceipt/car"
)

// EntryKind classifies one manifest entry's logical role.
type EntryKind string

const (
	KindProject        EntryKind = "project"
	KindPolicy         EntryKind = "policy"
	KindPolicyVersions EntryKind = "policy_versions"
	KindRun            EntryKind = "run"
	KindCAR            EntryKind = "car"
)

// ManifestEntry describes one archive entry's path, role, and expected
// content hash.
type ManifestEntry struct {
	Path   string    `json:"path"`
	Kind   EntryKind `json:"kind"`
	SHA256 string    `json:"sha256"`
}

// Manifest is the trailing archive entry every other entry's bytes must
// hash to.
type Manifest struct {
	Version   int             `json:"version"`
	ProjectID string          `json:"project_id"`
	ExportedAt string         `json:"exported_at"`
	Entries   []ManifestEntry `json:"entries"`
}

const manifestVersion = 1
const manifestPath = "manifest.json"

// RunRecord is one run's full exported state: its spec, step configs, and
// every execution's checkpoints, plus the ids of CARs built from it.
type RunRecord struct {
	Run        receipt.Run         `json:"run"`
	Executions []ExecutionRecord   `json:"executions"`
	ReceiptIDs []string            `json:"receipt_ids"`
}

// ExecutionRecord is one execution and its ordered checkpoints.
type ExecutionRecord struct {
	Execution   receipt.Execution    `json:"execution"`
	Checkpoints []receipt.Checkpoint `json:"checkpoints"`
}

func hashJSON(v any) (raw []byte, hash string, err error) {
	raw, err = json.Marshal(v)
	if err != nil {
		return nil, "", receipt.NewError(receipt.KindProgrammer, "marshal archive entry", err)
	}
	return raw, receipt.SHA256Hex(raw), nil
}
