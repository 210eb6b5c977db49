package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateHoldersNonNegative checks every holder account touched by the batch is >= 0
func (v *InvariantValidator) ValidateHoldersNonNegative(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope != AccountScopeHolder {
				continue
			}
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateConservation checks pool == outstanding(A) == outstanding(B) for an open market
func (v *InvariantValidator) ValidateConservation(pool AccountKey, claimA, claimB Address) error {
	poolBalance := v.tracker.GetBalance(pool)
	outA := v.tracker.Outstanding(claimA)
	outB := v.tracker.Outstanding(claimB)

	if poolBalance != outA || poolBalance != outB {
		return fmt.Errorf("conservation broken for pool %s: pool=%d outstanding_a=%d outstanding_b=%d",
			pool.AccountPath(), poolBalance, outA, outB)
	}
	return nil
}

// ValidateBacking checks outstanding winning claims never exceed the pool
func (v *InvariantValidator) ValidateBacking(pool AccountKey, winningClaim Address) error {
	poolBalance := v.tracker.GetBalance(pool)
	outstanding := v.tracker.Outstanding(winningClaim)

	if outstanding > poolBalance {
		return fmt.Errorf("backing broken for pool %s: outstanding=%d pool=%d",
			pool.AccountPath(), outstanding, poolBalance)
	}
	return nil
}

// ValidateGlobalBalance verifies every asset is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for asset %s is non-zero: %d", assetID.Short(), total)
		}
	}

	return nil
}
