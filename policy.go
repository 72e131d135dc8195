package receipt

import (
	"fmt"
	"time"
)

// Policy is the budget and network-egress policy in force for a project at
// a given version. Policy is immutable once appended; edits append a new
// version rather than mutating an existing one.
type Policy struct {
	AllowNetwork     bool    `json:"allow_network"`
	BudgetTokens     uint64  `json:"budget_tokens"`
	BudgetUSD        float64 `json:"budget_usd"`
	BudgetNatureCost float64 `json:"budget_nature_cost"`
}

// DefaultPolicy is the policy the engine applies when a project has no
// policy row yet. Values grounded on the reference implementation's
// Policy::default().
func DefaultPolicy() Policy {
	return Policy{
		AllowNetwork:     false,
		BudgetTokens:     1000,
		BudgetUSD:        10.0,
		BudgetNatureCost: 100.0,
	}
}

// Validate rejects a policy with nonsensical budgets before it is upserted.
func (p Policy) Validate() error {
	if p.BudgetUSD < 0 || p.BudgetNatureCost < 0 {
		return NewError(KindMalformed, "policy budgets must be non-negative", nil)
	}
	return nil
}

// PolicyVersion is one immutable, append-only snapshot of a project's
// policy.
type PolicyVersion struct {
	ID           int64
	ProjectID    string
	Version      int64
	Policy       Policy
	CreatedAt    time.Time
	CreatedBy    *string
	ChangeNotes  *string
}

// perTokenRatios derives the per-token USD and nature-cost unit costs from
// a policy's budget ratios, used both for projected-cost estimation and for
// per-step enforcement. When BudgetTokens is zero the ratio is zero, since
// there is no token budget to derive a per-token cost from.
func perTokenRatios(p Policy) (usdPerToken, natureCostPerToken float64) {
	if p.BudgetTokens == 0 {
		return 0, 0
	}
	tokens := float64(p.BudgetTokens)
	return p.BudgetUSD / tokens, p.BudgetNatureCost / tokens
}

// CostEstimate reports a projected resource consumption against policy
// budgets, mirroring the reference implementation's RunCostEstimates.
type CostEstimate struct {
	EstimatedTokens    uint64
	EstimatedUSD       float64
	EstimatedNatureCost float64
	BudgetTokens       uint64
	BudgetUSD          float64
	BudgetNatureCost   float64
	ExceedsTokens      bool
	ExceedsUSD         bool
	ExceedsNatureCost  bool
}

// ExceedsAny reports whether any dimension of the estimate exceeds its
// budget.
func (c CostEstimate) ExceedsAny() bool {
	return c.ExceedsTokens || c.ExceedsUSD || c.ExceedsNatureCost
}

// estimateCost derives a CostEstimate for a projected token count under
// policy, using the per-token ratio method of §4.3/§4.5.
func estimateCost(policy Policy, projectedTokens uint64) CostEstimate {
	usdPerToken, natureCostPerToken := perTokenRatios(policy)
	tokensF := float64(projectedTokens)

	est := CostEstimate{
		EstimatedTokens:     projectedTokens,
		EstimatedUSD:        usdPerToken * tokensF,
		EstimatedNatureCost: natureCostPerToken * tokensF,
		BudgetTokens:        policy.BudgetTokens,
		BudgetUSD:           policy.BudgetUSD,
		BudgetNatureCost:    policy.BudgetNatureCost,
	}
	est.ExceedsTokens = projectedTokens > policy.BudgetTokens
	est.ExceedsUSD = est.EstimatedUSD > policy.BudgetUSD
	est.ExceedsNatureCost = est.EstimatedNatureCost > policy.BudgetNatureCost
	return est
}

// enforceBudget is the atomic per-step/post-hoc admission primitive: it
// composes the token, USD, and nature-cost checks using the policy's
// per-token ratios and returns a budget_exceeded Incident on the first
// dimension that overruns, or nil on success.
func enforceBudget(policy Policy, usageTokens uint64) *Incident {
	if usageTokens > policy.BudgetTokens {
		return newBudgetIncident(detailsTokens(usageTokens, policy.BudgetTokens))
	}
	usdPerToken, natureCostPerToken := perTokenRatios(policy)
	usd := usdPerToken * float64(usageTokens)
	if usd > policy.BudgetUSD {
		return newBudgetIncident(detailsUSD(usd, policy.BudgetUSD))
	}
	natureCost := natureCostPerToken * float64(usageTokens)
	if natureCost > policy.BudgetNatureCost {
		return newBudgetIncident(detailsNatureCost(natureCost, policy.BudgetNatureCost))
	}
	return nil
}

func detailsTokens(usage, budget uint64) string {
	return fmt.Sprintf("usage_tokens=%d > budget_tokens=%d", usage, budget)
}

func detailsUSD(usage, budget float64) string {
	return fmt.Sprintf("usage_usd=%.6f > budget_usd=%.6f", usage, budget)
}

func detailsNatureCost(usage, budget float64) string {
	return fmt.Sprintf("usage_nature_cost=%.6f > budget_nature_cost=%.6f", usage, budget)
}
