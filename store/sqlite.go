package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arcreceipt/car"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// Designed for single-process deployments and local development: zero
// setup, WAL journal mode, and a single connection (SetMaxOpenConns(1))
// through which all reads and writes pass, matching SQLite's own
// single-writer concurrency model.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed store at path.
// Pass ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			public_key TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy_versions (
			project_id TEXT NOT NULL REFERENCES projects(id),
			version INTEGER NOT NULL,
			policy_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			created_by TEXT,
			change_notes TEXT,
			PRIMARY KEY (project_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_ledgers (
			project_id TEXT NOT NULL,
			policy_version INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_usd REAL NOT NULL DEFAULT 0,
			total_nature_cost REAL NOT NULL DEFAULT 0,
			updated_at TIMESTAMP,
			PRIMARY KEY (project_id, policy_version)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			proof_mode TEXT NOT NULL,
			seed INTEGER NOT NULL,
			token_budget INTEGER NOT NULL,
			default_model TEXT NOT NULL,
			epsilon REAL,
			policy_version INTEGER NOT NULL,
			spec_json TEXT NOT NULL,
			steps_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			step_config_id TEXT,
			parent_checkpoint_id TEXT,
			turn_index INTEGER,
			kind TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			inputs_sha256 TEXT,
			outputs_sha256 TEXT,
			incident_json TEXT,
			usage_tokens INTEGER NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			semantic_digest TEXT,
			prev_chain TEXT NOT NULL,
			curr_chain TEXT NOT NULL,
			signature TEXT NOT NULL,
			prompt_payload TEXT,
			output_payload TEXT,
			message_role TEXT,
			message_body TEXT,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON checkpoints(execution_id, seq)`,
		`CREATE TABLE IF NOT EXISTS cars (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			car_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cars_run ON cars(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateProject(ctx context.Context, p receipt.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, public_key, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.PublicKey, p.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (receipt.Project, error) {
	var p receipt.Project
	row := s.db.QueryRowContext(ctx, `SELECT id, name, public_key, created_at FROM projects WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Name, &p.PublicKey, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	return p, nil
}

func (s *SQLiteStore) CreatePolicyVersion(ctx context.Context, pv receipt.PolicyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM policy_versions WHERE project_id = ?`, pv.ProjectID)
	if err := row.Scan(&current); err != nil {
		return err
	}
	if pv.Version != current+1 {
		return receipt.NewError(receipt.KindProgrammer, "policy version must be strictly monotonic", nil)
	}

	policyJSON, err := json.Marshal(pv.Policy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_versions (project_id, version, policy_json, created_at, created_by, change_notes) VALUES (?, ?, ?, ?, ?, ?)`,
		pv.ProjectID, pv.Version, policyJSON, pv.CreatedAt.UTC(), pv.CreatedBy, pv.ChangeNotes)
	return err
}

func (s *SQLiteStore) scanPolicyVersion(row *sql.Row) (receipt.PolicyVersion, error) {
	var pv receipt.PolicyVersion
	var policyJSON string
	if err := row.Scan(&pv.ProjectID, &pv.Version, &policyJSON, &pv.CreatedAt, &pv.CreatedBy, &pv.ChangeNotes); err != nil {
		if err == sql.ErrNoRows {
			return pv, ErrNotFound
		}
		return pv, err
	}
	if err := json.Unmarshal([]byte(policyJSON), &pv.Policy); err != nil {
		return pv, err
	}
	return pv, nil
}

func (s *SQLiteStore) CurrentPolicyVersion(ctx context.Context, projectID string) (receipt.PolicyVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, version, policy_json, created_at, created_by, change_notes FROM policy_versions
		 WHERE project_id = ? ORDER BY version DESC LIMIT 1`, projectID)
	return s.scanPolicyVersion(row)
}

func (s *SQLiteStore) GetPolicyVersion(ctx context.Context, projectID string, version int64) (receipt.PolicyVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, version, policy_json, created_at, created_by, change_notes FROM policy_versions
		 WHERE project_id = ? AND version = ?`, projectID, version)
	return s.scanPolicyVersion(row)
}

func (s *SQLiteStore) ListPolicyVersions(ctx context.Context, projectID string) ([]receipt.PolicyVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, version, policy_json, created_at, created_by, change_notes FROM policy_versions
		 WHERE project_id = ? ORDER BY version ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []receipt.PolicyVersion
	for rows.Next() {
		var pv receipt.PolicyVersion
		var policyJSON string
		if err := rows.Scan(&pv.ProjectID, &pv.Version, &policyJSON, &pv.CreatedAt, &pv.CreatedBy, &pv.ChangeNotes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(policyJSON), &pv.Policy); err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IncrementLedger(ctx context.Context, projectID string, policyVersion int64, tokens uint64, usd, natureCost float64) (receipt.UsageLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return receipt.UsageLedger{}, err
	}
	defer tx.Rollback()

	var ledger receipt.UsageLedger
	row := tx.QueryRowContext(ctx,
		`SELECT total_tokens, total_usd, total_nature_cost FROM usage_ledgers WHERE project_id = ? AND policy_version = ?`,
		projectID, policyVersion)
	err = row.Scan(&ledger.TotalTokens, &ledger.TotalUSD, &ledger.TotalNatureCost)
	switch {
	case err == sql.ErrNoRows:
		if policyVersion > 1 {
			priorRow := tx.QueryRowContext(ctx,
				`SELECT total_tokens, total_usd, total_nature_cost FROM usage_ledgers WHERE project_id = ? AND policy_version = ?`,
				projectID, policyVersion-1)
			_ = priorRow.Scan(&ledger.TotalTokens, &ledger.TotalUSD, &ledger.TotalNatureCost)
		}
	case err != nil:
		return receipt.UsageLedger{}, err
	}

	ledger.ProjectID = projectID
	ledger.PolicyVersion = policyVersion
	ledger.TotalTokens += tokens
	ledger.TotalUSD += usd
	ledger.TotalNatureCost += natureCost
	now := time.Now().UTC()
	ledger.UpdatedAt = &now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_ledgers (project_id, policy_version, total_tokens, total_usd, total_nature_cost, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, policy_version) DO UPDATE SET
		   total_tokens = excluded.total_tokens,
		   total_usd = excluded.total_usd,
		   total_nature_cost = excluded.total_nature_cost,
		   updated_at = excluded.updated_at`,
		projectID, policyVersion, ledger.TotalTokens, ledger.TotalUSD, ledger.TotalNatureCost, now)
	if err != nil {
		return receipt.UsageLedger{}, err
	}
	return ledger, tx.Commit()
}

func (s *SQLiteStore) GetLedger(ctx context.Context, projectID string, policyVersion int64) (receipt.UsageLedger, error) {
	ledger := receipt.UsageLedger{ProjectID: projectID, PolicyVersion: policyVersion}
	row := s.db.QueryRowContext(ctx,
		`SELECT total_tokens, total_usd, total_nature_cost, updated_at FROM usage_ledgers WHERE project_id = ? AND policy_version = ?`,
		projectID, policyVersion)
	err := row.Scan(&ledger.TotalTokens, &ledger.TotalUSD, &ledger.TotalNatureCost, &ledger.UpdatedAt)
	if err != nil && err != sql.ErrNoRows {
		return ledger, err
	}
	return ledger, nil
}

func (s *SQLiteStore) RepointRunsToPolicyVersion(ctx context.Context, projectID string, policyVersion int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET policy_version = ? WHERE project_id = ?`,
		policyVersion, projectID)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r receipt.Run) error {
	stepsJSON, err := json.Marshal(r.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, name, created_at, proof_mode, seed, token_budget, default_model, epsilon, policy_version, spec_json, steps_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.Name, r.CreatedAt.UTC(), r.ProofMode, r.Seed, r.TokenBudget, r.DefaultModel, r.Epsilon, r.PolicyVersion, r.SpecJSON, stepsJSON)
	return err
}

func (s *SQLiteStore) scanRun(row *sql.Row) (receipt.Run, error) {
	var r receipt.Run
	var stepsJSON string
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.CreatedAt, &r.ProofMode, &r.Seed, &r.TokenBudget, &r.DefaultModel, &r.Epsilon, &r.PolicyVersion, &r.SpecJSON, &stepsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return r, ErrNotFound
		}
		return r, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &r.Steps); err != nil {
		return r, err
	}
	return r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (receipt.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, created_at, proof_mode, seed, token_budget, default_model, epsilon, policy_version, spec_json, steps_json FROM runs WHERE id = ?`, id)
	return s.scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, projectID string) ([]receipt.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, created_at, proof_mode, seed, token_budget, default_model, epsilon, policy_version, spec_json, steps_json FROM runs
		 WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []receipt.Run
	for rows.Next() {
		var r receipt.Run
		var stepsJSON string
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Name, &r.CreatedAt, &r.ProofMode, &r.Seed, &r.TokenBudget, &r.DefaultModel, &r.Epsilon, &r.PolicyVersion, &r.SpecJSON, &stepsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stepsJSON), &r.Steps); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, e receipt.Execution) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO executions (id, run_id, created_at) VALUES (?, ?, ?)`, e.ID, e.RunID, e.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (receipt.Execution, error) {
	var e receipt.Execution
	row := s.db.QueryRowContext(ctx, `SELECT id, run_id, created_at FROM executions WHERE id = ?`, id)
	if err := row.Scan(&e.ID, &e.RunID, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return e, ErrNotFound
		}
		return e, err
	}
	return e, nil
}

func (s *SQLiteStore) LatestExecution(ctx context.Context, runID string) (receipt.Execution, error) {
	var e receipt.Execution
	row := s.db.QueryRowContext(ctx, `SELECT id, run_id, created_at FROM executions WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`, runID)
	if err := row.Scan(&e.ID, &e.RunID, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return e, ErrNotFound
		}
		return e, err
	}
	return e, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, runID string) ([]receipt.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, created_at FROM executions WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []receipt.Execution
	for rows.Next() {
		var e receipt.Execution
		if err := rows.Scan(&e.ID, &e.RunID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp receipt.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastChain string
	var lastSeq int64
	row := tx.QueryRowContext(ctx, `SELECT curr_chain, seq FROM checkpoints WHERE execution_id = ? ORDER BY seq DESC LIMIT 1`, cp.ExecutionID)
	err = row.Scan(&lastChain, &lastSeq)
	switch {
	case err == sql.ErrNoRows:
		lastSeq = -1
	case err != nil:
		return err
	default:
		if lastChain != cp.PrevChain {
			return receipt.NewError(receipt.KindIntegrity, "checkpoint does not extend the execution's chain", receipt.ErrChainMismatch)
		}
	}

	incidentJSON, err := marshalIncidentForStore(cp.Incident)
	if err != nil {
		return err
	}

	var messageRole, messageBody *string
	if cp.Message != nil {
		messageRole, messageBody = &cp.Message.Role, &cp.Message.Body
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (
			id, run_id, execution_id, step_config_id, parent_checkpoint_id, turn_index, kind, timestamp,
			inputs_sha256, outputs_sha256, incident_json, usage_tokens, prompt_tokens, completion_tokens,
			semantic_digest, prev_chain, curr_chain, signature, prompt_payload, output_payload,
			message_role, message_body, seq
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cp.ID, cp.RunID, cp.ExecutionID, cp.StepConfigID, cp.ParentCheckpointID, cp.TurnIndex, string(cp.Kind), cp.Timestamp.UTC(),
		cp.InputsSHA256, cp.OutputsSHA256, incidentJSON, cp.UsageTokens, cp.PromptTokens, cp.CompletionTokens,
		cp.SemanticDigest, cp.PrevChain, cp.CurrChain, cp.Signature, cp.PromptPayload, cp.OutputPayload,
		messageRole, messageBody, lastSeq+1)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func marshalIncidentForStore(inc *receipt.Incident) (*string, error) {
	if inc == nil {
		return nil, nil
	}
	b, err := json.Marshal(inc)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func scanCheckpointRow(scan func(dest ...any) error) (receipt.Checkpoint, error) {
	var cp receipt.Checkpoint
	var kind string
	var incidentJSON *string
	var messageRole, messageBody *string
	var seq int64
	err := scan(&cp.ID, &cp.RunID, &cp.ExecutionID, &cp.StepConfigID, &cp.ParentCheckpointID, &cp.TurnIndex, &kind, &cp.Timestamp,
		&cp.InputsSHA256, &cp.OutputsSHA256, &incidentJSON, &cp.UsageTokens, &cp.PromptTokens, &cp.CompletionTokens,
		&cp.SemanticDigest, &cp.PrevChain, &cp.CurrChain, &cp.Signature, &cp.PromptPayload, &cp.OutputPayload,
		&messageRole, &messageBody, &seq)
	if err != nil {
		return cp, err
	}
	cp.Kind = receipt.CheckpointKind(kind)
	if incidentJSON != nil {
		var inc receipt.Incident
		if err := json.Unmarshal([]byte(*incidentJSON), &inc); err != nil {
			return cp, err
		}
		cp.Incident = &inc
	}
	if messageRole != nil {
		cp.Message = &receipt.CheckpointMessage{Role: *messageRole, Body: *messageBody}
	}
	return cp, nil
}

const checkpointColumns = `id, run_id, execution_id, step_config_id, parent_checkpoint_id, turn_index, kind, timestamp,
	inputs_sha256, outputs_sha256, incident_json, usage_tokens, prompt_tokens, completion_tokens,
	semantic_digest, prev_chain, curr_chain, signature, prompt_payload, output_payload,
	message_role, message_body, seq`

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, executionID string) ([]receipt.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []receipt.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, executionID string) (receipt.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE execution_id = ? ORDER BY seq DESC LIMIT 1`, executionID)
	cp, err := scanCheckpointRow(row.Scan)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	return cp, err
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (receipt.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpointRow(row.Scan)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	return cp, err
}

func (s *SQLiteStore) SaveCAR(ctx context.Context, runID string, c receipt.CAR) error {
	carJSON, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cars (id, run_id, car_json, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, runID, carJSON, time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetCAR(ctx context.Context, id string) (receipt.CAR, error) {
	var carJSON string
	row := s.db.QueryRowContext(ctx, `SELECT car_json FROM cars WHERE id = ?`, id)
	if err := row.Scan(&carJSON); err != nil {
		if err == sql.ErrNoRows {
			return receipt.CAR{}, ErrNotFound
		}
		return receipt.CAR{}, err
	}
	var c receipt.CAR
	if err := json.Unmarshal([]byte(carJSON), &c); err != nil {
		return receipt.CAR{}, err
	}
	return c, nil
}

func (s *SQLiteStore) ListCARs(ctx context.Context, runID string) ([]receipt.CAR, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT car_json FROM cars WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []receipt.CAR
	for rows.Next() {
		var carJSON string
		if err := rows.Scan(&carJSON); err != nil {
			return nil, err
		}
		var c receipt.CAR
		if err := json.Unmarshal([]byte(carJSON), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
