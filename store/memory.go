package store

import (
	"context"
	"sort"
	"sync"

	"github.com/arcreceipt/car"
)

// MemStore is an in-process Store, used for tests and single-shot CLI
// invocations that don't need durability across process restarts.
type MemStore struct {
	mu sync.RWMutex

	projects       map[string]receipt.Project
	policyVersions map[string][]receipt.PolicyVersion // projectID -> versions, ordered
	ledgers        map[ledgerKey]receipt.UsageLedger
	runs           map[string]receipt.Run
	executions     map[string]receipt.Execution
	execsByRun     map[string][]string // runID -> execution IDs, in creation order
	checkpoints    map[string]receipt.Checkpoint
	cpByExec       map[string][]string // executionID -> checkpoint IDs, in append order
	cars           map[string]receipt.CAR
	carsByRun      map[string][]string
}

type ledgerKey struct {
	projectID string
	version   int64
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		projects:       make(map[string]receipt.Project),
		policyVersions: make(map[string][]receipt.PolicyVersion),
		ledgers:        make(map[ledgerKey]receipt.UsageLedger),
		runs:           make(map[string]receipt.Run),
		executions:     make(map[string]receipt.Execution),
		execsByRun:     make(map[string][]string),
		checkpoints:    make(map[string]receipt.Checkpoint),
		cpByExec:       make(map[string][]string),
		cars:           make(map[string]receipt.CAR),
		carsByRun:      make(map[string][]string),
	}
}

func (m *MemStore) CreateProject(_ context.Context, p receipt.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[p.ID]; exists {
		return receipt.NewError(receipt.KindMalformed, "project already exists", nil)
	}
	m.projects[p.ID] = p
	return nil
}

func (m *MemStore) GetProject(_ context.Context, id string) (receipt.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return receipt.Project{}, ErrNotFound
	}
	return p, nil
}

func (m *MemStore) CreatePolicyVersion(_ context.Context, pv receipt.PolicyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.policyVersions[pv.ProjectID]
	wantVersion := int64(1)
	if len(existing) > 0 {
		wantVersion = existing[len(existing)-1].Version + 1
	}
	if pv.Version != wantVersion {
		return receipt.NewError(receipt.KindProgrammer, "policy version must be strictly monotonic", nil)
	}
	m.policyVersions[pv.ProjectID] = append(existing, pv)
	return nil
}

func (m *MemStore) CurrentPolicyVersion(_ context.Context, projectID string) (receipt.PolicyVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.policyVersions[projectID]
	if len(versions) == 0 {
		return receipt.PolicyVersion{}, ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (m *MemStore) GetPolicyVersion(_ context.Context, projectID string, version int64) (receipt.PolicyVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pv := range m.policyVersions[projectID] {
		if pv.Version == version {
			return pv, nil
		}
	}
	return receipt.PolicyVersion{}, ErrNotFound
}

func (m *MemStore) ListPolicyVersions(_ context.Context, projectID string) ([]receipt.PolicyVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]receipt.PolicyVersion, len(m.policyVersions[projectID]))
	copy(out, m.policyVersions[projectID])
	return out, nil
}

func (m *MemStore) IncrementLedger(_ context.Context, projectID string, policyVersion int64, tokens uint64, usd, natureCost float64) (receipt.UsageLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ledgerKey{projectID, policyVersion}
	ledger, ok := m.ledgers[key]
	if !ok {
		ledger = m.seedLedgerLocked(projectID, policyVersion)
	}
	ledger.TotalTokens += tokens
	ledger.TotalUSD += usd
	ledger.TotalNatureCost += natureCost
	m.ledgers[key] = ledger
	return ledger, nil
}

// seedLedgerLocked returns the starting point for a newly-referenced
// (project, policyVersion) ledger row: the prior version's totals, or
// zero for version 1. Caller must hold m.mu.
func (m *MemStore) seedLedgerLocked(projectID string, policyVersion int64) receipt.UsageLedger {
	if policyVersion > 1 {
		if prior, ok := m.ledgers[ledgerKey{projectID, policyVersion - 1}]; ok {
			return receipt.UsageLedger{
				ProjectID:       projectID,
				PolicyVersion:   policyVersion,
				TotalTokens:     prior.TotalTokens,
				TotalUSD:        prior.TotalUSD,
				TotalNatureCost: prior.TotalNatureCost,
			}
		}
	}
	return receipt.UsageLedger{ProjectID: projectID, PolicyVersion: policyVersion}
}

func (m *MemStore) GetLedger(_ context.Context, projectID string, policyVersion int64) (receipt.UsageLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.ledgers[ledgerKey{projectID, policyVersion}]
	if !ok {
		return receipt.UsageLedger{ProjectID: projectID, PolicyVersion: policyVersion}, nil
	}
	return l, nil
}

func (m *MemStore) RepointRunsToPolicyVersion(_ context.Context, projectID string, policyVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.runs {
		if r.ProjectID == projectID {
			r.PolicyVersion = policyVersion
			m.runs[id] = r
		}
	}
	return nil
}

func (m *MemStore) CreateRun(_ context.Context, r receipt.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.ID]; exists {
		return receipt.NewError(receipt.KindMalformed, "run already exists", nil)
	}
	m.runs[r.ID] = r
	return nil
}

func (m *MemStore) GetRun(_ context.Context, id string) (receipt.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return receipt.Run{}, ErrNotFound
	}
	return r, nil
}

func (m *MemStore) ListRuns(_ context.Context, projectID string) ([]receipt.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []receipt.Run
	for _, r := range m.runs {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) CreateExecution(_ context.Context, e receipt.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[e.ID]; exists {
		return receipt.NewError(receipt.KindMalformed, "execution already exists", nil)
	}
	m.executions[e.ID] = e
	m.execsByRun[e.RunID] = append(m.execsByRun[e.RunID], e.ID)
	return nil
}

func (m *MemStore) GetExecution(_ context.Context, id string) (receipt.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return receipt.Execution{}, ErrNotFound
	}
	return e, nil
}

func (m *MemStore) LatestExecution(_ context.Context, runID string) (receipt.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.execsByRun[runID]
	if len(ids) == 0 {
		return receipt.Execution{}, ErrNotFound
	}
	return m.executions[ids[len(ids)-1]], nil
}

func (m *MemStore) ListExecutions(_ context.Context, runID string) ([]receipt.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.execsByRun[runID]
	out := make([]receipt.Execution, len(ids))
	for i, id := range ids {
		out[i] = m.executions[id]
	}
	return out, nil
}

func (m *MemStore) AppendCheckpoint(_ context.Context, cp receipt.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.cpByExec[cp.ExecutionID]
	if len(chain) > 0 {
		last := m.checkpoints[chain[len(chain)-1]]
		if last.CurrChain != cp.PrevChain {
			return receipt.NewError(receipt.KindIntegrity, "checkpoint does not extend the execution's chain", receipt.ErrChainMismatch)
		}
	}
	m.checkpoints[cp.ID] = cp
	m.cpByExec[cp.ExecutionID] = append(chain, cp.ID)
	return nil
}

func (m *MemStore) ListCheckpoints(_ context.Context, executionID string) ([]receipt.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.cpByExec[executionID]
	out := make([]receipt.Checkpoint, len(ids))
	for i, id := range ids {
		out[i] = m.checkpoints[id]
	}
	return out, nil
}

func (m *MemStore) LatestCheckpoint(_ context.Context, executionID string) (receipt.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.cpByExec[executionID]
	if len(ids) == 0 {
		return receipt.Checkpoint{}, ErrNotFound
	}
	return m.checkpoints[ids[len(ids)-1]], nil
}

func (m *MemStore) GetCheckpoint(_ context.Context, id string) (receipt.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return receipt.Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *MemStore) SaveCAR(_ context.Context, runID string, c receipt.CAR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cars[c.ID] = c
	m.carsByRun[runID] = append(m.carsByRun[runID], c.ID)
	return nil
}

func (m *MemStore) GetCAR(_ context.Context, id string) (receipt.CAR, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cars[id]
	if !ok {
		return receipt.CAR{}, ErrNotFound
	}
	return c, nil
}

func (m *MemStore) ListCARs(_ context.Context, runID string) ([]receipt.CAR, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.carsByRun[runID]
	out := make([]receipt.CAR, len(ids))
	for i, id := range ids {
		out[i] = m.cars[id]
	}
	return out, nil
}

func (m *MemStore) Close() error { return nil }
