package receipt

import "time"

// UsageLedger is the cumulative resource consumption row for one
// (project, policy_version) pair.
type UsageLedger struct {
	ProjectID        string
	PolicyVersion    int64
	TotalTokens      uint64
	TotalUSD         float64
	TotalNatureCost  float64
	UpdatedAt        *time.Time
}

// LedgerRemaining reports headroom against budgets; Tokens is signed
// because usage may already exceed budget by the time a snapshot is taken.
type LedgerRemaining struct {
	Tokens     int64
	USD        float64
	NatureCost float64
}

// ProjectLedgerSnapshot combines a project's current policy, its
// cumulative ledger totals, and the derived remaining headroom, for
// read-only reporting. Grounded on the reference implementation's
// ProjectLedgerSnapshot/get_project_ledger_snapshot.
type ProjectLedgerSnapshot struct {
	ProjectID     string
	PolicyVersion int64
	Totals        UsageLedger
	Budgets       Policy
	Remaining     LedgerRemaining
	LastUpdated   *time.Time
}

// computeRemaining derives the three remaining-headroom figures, clamping
// the token difference into the int64 range the way the reference
// implementation clamps an i128 diff into i64.
func computeRemaining(policy Policy, ledger UsageLedger) LedgerRemaining {
	const maxInt64 = int64(^uint64(0) >> 1)
	const minInt64 = -maxInt64 - 1

	budget := int64(policy.BudgetTokens)
	used := int64(ledger.TotalTokens)
	diff := int64(0)
	switch {
	case used > 0 && budget < minInt64+used:
		diff = minInt64
	case used < 0 && budget > maxInt64+used:
		diff = maxInt64
	default:
		diff = budget - used
	}

	return LedgerRemaining{
		Tokens:     diff,
		USD:        policy.BudgetUSD - ledger.TotalUSD,
		NatureCost: policy.BudgetNatureCost - ledger.TotalNatureCost,
	}
}
