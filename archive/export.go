package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/arcreceipt/car"
	"github.com/arcreceipt/car/store"
)

// Export packages projectID's project row, policy history, every run (with
// its executions and checkpoints), and every CAR built from those runs
// into a deflate ZIP written to w, with a trailing manifest.json whose
// per-entry SHA-256 lets Import detect tampering introduced after export.
func Export(ctx context.Context, st store.Store, projectID string, w io.Writer) error {
	project, err := st.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	policyVersions, err := st.ListPolicyVersions(ctx, projectID)
	if err != nil {
		return err
	}
	current, err := st.CurrentPolicyVersion(ctx, projectID)
	if err != nil {
		return err
	}
	runs, err := st.ListRuns(ctx, projectID)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	manifest := Manifest{
		Version:    manifestVersion,
		ProjectID:  projectID,
		ExportedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	if err := writeEntry(zw, &manifest, "project.json", KindProject, project); err != nil {
		return err
	}
	if err := writeEntry(zw, &manifest, "policy.json", KindPolicy, current.Policy); err != nil {
		return err
	}
	if err := writeEntry(zw, &manifest, "policy_versions.json", KindPolicyVersions, policyVersions); err != nil {
		return err
	}

	for _, run := range runs {
		record, err := buildRunRecord(ctx, st, run)
		if err != nil {
			return err
		}
		path := "runs/" + run.ID + ".json"
		if err := writeEntry(zw, &manifest, path, KindRun, record); err != nil {
			return err
		}

		cars, err := st.ListCARs(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, car := range cars {
			carPath := "cars/" + car.ID + ".car.json"
			if err := writeEntry(zw, &manifest, carPath, KindCAR, car); err != nil {
				return err
			}
		}
	}

	manifestRaw, err := json.Marshal(manifest)
	if err != nil {
		return receipt.NewError(receipt.KindProgrammer, "marshal manifest", err)
	}
	entryW, err := zw.Create(manifestPath)
	if err != nil {
		return receipt.NewError(receipt.KindTransient, "create manifest entry", err)
	}
	if _, err := entryW.Write(manifestRaw); err != nil {
		return receipt.NewError(receipt.KindTransient, "write manifest entry", err)
	}

	return zw.Close()
}

func buildRunRecord(ctx context.Context, st store.Store, run receipt.Run) (RunRecord, error) {
	executions, err := st.ListExecutions(ctx, run.ID)
	if err != nil {
		return RunRecord{}, err
	}
	record := RunRecord{Run: run}
	for _, exec := range executions {
		checkpoints, err := st.ListCheckpoints(ctx, exec.ID)
		if err != nil {
			return RunRecord{}, err
		}
		record.Executions = append(record.Executions, ExecutionRecord{Execution: exec, Checkpoints: checkpoints})
	}
	cars, err := st.ListCARs(ctx, run.ID)
	if err != nil {
		return RunRecord{}, err
	}
	for _, car := range cars {
		record.ReceiptIDs = append(record.ReceiptIDs, car.ID)
	}
	return record, nil
}

func writeEntry(zw *zip.Writer, manifest *Manifest, path string, kind EntryKind, v any) error {
	raw, hash, err := hashJSON(v)
	if err != nil {
		return err
	}
	entryW, err := zw.Create(path)
	if err != nil {
		return receipt.NewError(receipt.KindTransient, "create archive entry "+path, err)
	}
	if _, err := entryW.Write(raw); err != nil {
		return receipt.NewError(receipt.KindTransient, "write archive entry "+path, err)
	}
	manifest.Entries = append(manifest.Entries, ManifestEntry{Path: path, Kind: kind, SHA256: hash})
	return nil
}
