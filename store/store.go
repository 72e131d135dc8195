// Package store provides persistence implementations for the receipt
// system's relational model: projects, versioned policies, usage ledgers,
// runs, executions, checkpoints, and built CARs.
package store

import (
	"context"
	"errors"

	"github.com/arcreceipt/car"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists the full receipt relational model. Implementations must
// serialize concurrent writers to the same run's checkpoint chain (see
// AppendCheckpoint) and increment ledger totals atomically under
// row-level locking (see IncrementLedger).
type Store interface {
	// CreateProject inserts a new project row. Returns an error if the ID
	// already exists.
	CreateProject(ctx context.Context, p receipt.Project) error
	GetProject(ctx context.Context, id string) (receipt.Project, error)

	// CreatePolicyVersion inserts the next strictly-monotonic policy
	// version for a project, which then becomes the one
	// CurrentPolicyVersion returns. The caller supplies the version
	// number; the store rejects any number other than the project's
	// highest existing version plus one (1 for the first).
	CreatePolicyVersion(ctx context.Context, pv receipt.PolicyVersion) error
	CurrentPolicyVersion(ctx context.Context, projectID string) (receipt.PolicyVersion, error)
	GetPolicyVersion(ctx context.Context, projectID string, version int64) (receipt.PolicyVersion, error)
	ListPolicyVersions(ctx context.Context, projectID string) ([]receipt.PolicyVersion, error)

	// RepointRunsToPolicyVersion updates every run belonging to projectID
	// to policyVersion, the last step of the upsert_policy flow: once a
	// new policy version is current, existing runs must read and account
	// against it rather than the version they were created under.
	RepointRunsToPolicyVersion(ctx context.Context, projectID string, policyVersion int64) error

	// IncrementLedger atomically adds the given deltas to the
	// (projectID, policyVersion) ledger row, creating it (seeded from
	// the prior version's totals, or zero for version 1) if absent, and
	// returns the post-increment totals.
	IncrementLedger(ctx context.Context, projectID string, policyVersion int64, tokens uint64, usd, natureCost float64) (receipt.UsageLedger, error)
	GetLedger(ctx context.Context, projectID string, policyVersion int64) (receipt.UsageLedger, error)

	CreateRun(ctx context.Context, r receipt.Run) error
	GetRun(ctx context.Context, id string) (receipt.Run, error)
	ListRuns(ctx context.Context, projectID string) ([]receipt.Run, error)

	CreateExecution(ctx context.Context, e receipt.Execution) error
	GetExecution(ctx context.Context, id string) (receipt.Execution, error)
	LatestExecution(ctx context.Context, runID string) (receipt.Execution, error)
	ListExecutions(ctx context.Context, runID string) ([]receipt.Execution, error)

	// AppendCheckpoint persists a checkpoint. Implementations must reject
	// (ErrChainMismatch-class) an append whose PrevChain does not equal
	// the current execution's latest CurrChain, enforcing the hash chain
	// at the storage boundary as well as in the engine.
	AppendCheckpoint(ctx context.Context, cp receipt.Checkpoint) error
	ListCheckpoints(ctx context.Context, executionID string) ([]receipt.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, executionID string) (receipt.Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (receipt.Checkpoint, error)

	SaveCAR(ctx context.Context, runID string, c receipt.CAR) error
	GetCAR(ctx context.Context, id string) (receipt.CAR, error)
	ListCARs(ctx context.Context, runID string) ([]receipt.CAR, error)

	Close() error
}
