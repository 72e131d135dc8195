package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arcreceipt/car"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for production deployments with multiple writers across
// processes: connection pooling, row-level locking on ledger increments
// and chain appends via SELECT ... FOR UPDATE within a transaction.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a MySQL-backed store. dsn follows the go-sql-driver/mysql
// format, e.g. "user:pass@tcp(localhost:3306)/receipts?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			public_key VARCHAR(128) NOT NULL,
			created_at DATETIME NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS policy_versions (
			project_id VARCHAR(64) NOT NULL,
			version BIGINT NOT NULL,
			policy_json JSON NOT NULL,
			created_at DATETIME NOT NULL,
			created_by VARCHAR(255),
			change_notes TEXT,
			PRIMARY KEY (project_id, version)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS usage_ledgers (
			project_id VARCHAR(64) NOT NULL,
			policy_version BIGINT NOT NULL,
			total_tokens BIGINT UNSIGNED NOT NULL DEFAULT 0,
			total_usd DOUBLE NOT NULL DEFAULT 0,
			total_nature_cost DOUBLE NOT NULL DEFAULT 0,
			updated_at DATETIME,
			PRIMARY KEY (project_id, policy_version)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			created_at DATETIME NOT NULL,
			proof_mode VARCHAR(32) NOT NULL,
			seed BIGINT UNSIGNED NOT NULL,
			token_budget BIGINT UNSIGNED NOT NULL,
			default_model VARCHAR(128) NOT NULL,
			epsilon DOUBLE,
			policy_version BIGINT NOT NULL,
			spec_json JSON NOT NULL,
			steps_json JSON NOT NULL,
			INDEX idx_runs_project (project_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			created_at DATETIME NOT NULL,
			INDEX idx_executions_run (run_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			execution_id VARCHAR(64) NOT NULL,
			step_config_id VARCHAR(64),
			parent_checkpoint_id VARCHAR(64),
			turn_index BIGINT UNSIGNED,
			kind VARCHAR(16) NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			inputs_sha256 VARCHAR(64),
			outputs_sha256 VARCHAR(64),
			incident_json JSON,
			usage_tokens BIGINT UNSIGNED NOT NULL,
			prompt_tokens BIGINT UNSIGNED NOT NULL,
			completion_tokens BIGINT UNSIGNED NOT NULL,
			semantic_digest VARCHAR(32),
			prev_chain VARCHAR(64) NOT NULL,
			curr_chain VARCHAR(64) NOT NULL,
			signature TEXT NOT NULL,
			prompt_payload LONGTEXT,
			output_payload LONGTEXT,
			message_role VARCHAR(16),
			message_body LONGTEXT,
			seq BIGINT NOT NULL,
			INDEX idx_checkpoints_execution (execution_id, seq)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS cars (
			id VARCHAR(128) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			car_json JSON NOT NULL,
			created_at DATETIME NOT NULL,
			INDEX idx_cars_run (run_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) CreateProject(ctx context.Context, p receipt.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, public_key, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.PublicKey, p.CreatedAt.UTC())
	return err
}

func (s *MySQLStore) GetProject(ctx context.Context, id string) (receipt.Project, error) {
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

// CreatePolicyVersion takes a row lock on the project's policy_versions
// rows (via SELECT ... FOR UPDATE) to serialize concurrent version bumps.
func (s *MySQLStore) CreatePolicyVersion(ctx context.Context, pv receipt.PolicyVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM policy_versions WHERE project_id = ? FOR UPDATE`, pv.ProjectID)
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
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policy_versions (project_id, version, policy_json, created_at, created_by, change_notes) VALUES (?, ?, ?, ?, ?, ?)`,
		pv.ProjectID, pv.Version, policyJSON, pv.CreatedAt.UTC(), pv.CreatedBy, pv.ChangeNotes); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *MySQLStore) scanPolicyVersion(row *sql.Row) (receipt.PolicyVersion, error) {
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

func (s *MySQLStore) CurrentPolicyVersion(ctx context.Context, projectID string) (receipt.PolicyVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, version, policy_json, created_at, created_by, change_notes FROM policy_versions
		 WHERE project_id = ? ORDER BY version DESC LIMIT 1`, projectID)
	return s.scanPolicyVersion(row)
}

func (s *MySQLStore) GetPolicyVersion(ctx context.Context, projectID string, version int64) (receipt.PolicyVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, version, policy_json, created_at, created_by, change_notes FROM policy_versions
		 WHERE project_id = ? AND version = ?`, projectID, version)
	return s.scanPolicyVersion(row)
}

func (s *MySQLStore) ListPolicyVersions(ctx context.Context, projectID string) ([]receipt.PolicyVersion, error) {
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

// IncrementLedger locks the ledger row (or its absence) with SELECT ...
// FOR UPDATE before incrementing, so concurrent steps against the same
// project/policy_version serialize their totals correctly.
func (s *MySQLStore) IncrementLedger(ctx context.Context, projectID string, policyVersion int64, tokens uint64, usd, natureCost float64) (receipt.UsageLedger, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return receipt.UsageLedger{}, err
	}
	defer tx.Rollback()

	var ledger receipt.UsageLedger
	row := tx.QueryRowContext(ctx,
		`SELECT total_tokens, total_usd, total_nature_cost FROM usage_ledgers WHERE project_id = ? AND policy_version = ? FOR UPDATE`,
		projectID, policyVersion)
	err = row.Scan(&ledger.TotalTokens, &ledger.TotalUSD, &ledger.TotalNatureCost)
	switch {
	case err == sql.ErrNoRows:
		if policyVersion > 1 {
			priorRow := tx.QueryRowContext(ctx,
				`SELECT total_tokens, total_usd, total_nature_cost FROM usage_ledgers WHERE project_id = ? AND policy_version = ? FOR UPDATE`,
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
		 ON DUPLICATE KEY UPDATE total_tokens = VALUES(total_tokens), total_usd = VALUES(total_usd),
		   total_nature_cost = VALUES(total_nature_cost), updated_at = VALUES(updated_at)`,
		projectID, policyVersion, ledger.TotalTokens, ledger.TotalUSD, ledger.TotalNatureCost, now)
	if err != nil {
		return receipt.UsageLedger{}, err
	}
	return ledger, tx.Commit()
}

func (s *MySQLStore) GetLedger(ctx context.Context, projectID string, policyVersion int64) (receipt.UsageLedger, error) {
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

func (s *MySQLStore) RepointRunsToPolicyVersion(ctx context.Context, projectID string, policyVersion int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET policy_version = ? WHERE project_id = ?`,
		policyVersion, projectID)
	return err
}

func (s *MySQLStore) CreateRun(ctx context.Context, r receipt.Run) error {
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

func (s *MySQLStore) scanRun(row *sql.Row) (receipt.Run, error) {
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

func (s *MySQLStore) GetRun(ctx context.Context, id string) (receipt.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, created_at, proof_mode, seed, token_budget, default_model, epsilon, policy_version, spec_json, steps_json FROM runs WHERE id = ?`, id)
	return s.scanRun(row)
}

func (s *MySQLStore) ListRuns(ctx context.Context, projectID string) ([]receipt.Run, error) {
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

func (s *MySQLStore) CreateExecution(ctx context.Context, e receipt.Execution) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO executions (id, run_id, created_at) VALUES (?, ?, ?)`, e.ID, e.RunID, e.CreatedAt.UTC())
	return err
}

func (s *MySQLStore) GetExecution(ctx context.Context, id string) (receipt.Execution, error) {
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

func (s *MySQLStore) LatestExecution(ctx context.Context, runID string) (receipt.Execution, error) {
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

func (s *MySQLStore) ListExecutions(ctx context.Context, runID string) ([]receipt.Execution, error) {
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

// AppendCheckpoint takes a row lock on the execution's latest checkpoint
// (via SELECT ... FOR UPDATE) before validating and inserting the next
// one, so two writers racing on the same execution can't both extend the
// chain from the same prev_chain.
func (s *MySQLStore) AppendCheckpoint(ctx context.Context, cp receipt.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastChain string
	var lastSeq int64
	row := tx.QueryRowContext(ctx, `SELECT curr_chain, seq FROM checkpoints WHERE execution_id = ? ORDER BY seq DESC LIMIT 1 FOR UPDATE`, cp.ExecutionID)
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

func (s *MySQLStore) ListCheckpoints(ctx context.Context, executionID string) ([]receipt.Checkpoint, error) {
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

func (s *MySQLStore) LatestCheckpoint(ctx context.Context, executionID string) (receipt.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE execution_id = ? ORDER BY seq DESC LIMIT 1`, executionID)
	cp, err := scanCheckpointRow(row.Scan)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	return cp, err
}

func (s *MySQLStore) GetCheckpoint(ctx context.Context, id string) (receipt.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpointRow(row.Scan)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	return cp, err
}

func (s *MySQLStore) SaveCAR(ctx context.Context, runID string, c receipt.CAR) error {
	carJSON, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cars (id, run_id, car_json, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, runID, carJSON, time.Now().UTC())
	return err
}

func (s *MySQLStore) GetCAR(ctx context.Context, id string) (receipt.CAR, error) {
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

func (s *MySQLStore) ListCARs(ctx context.Context, runID string) ([]receipt.CAR, error) {
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
