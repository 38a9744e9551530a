package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Holder accounts never
// go negative; external boundary accounts carry the mirror image of
// everything bridged in, so every asset sums to zero.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.ToBig()
	bt.add(j.DebitAccount, amount)
	bt.add(j.CreditAccount, new(big.Int).Neg(amount))
}

func (bt *BalanceTracker) add(key AccountKey, delta *big.Int) {
	cur, ok := bt.balances[key]
	if !ok {
		cur = new(big.Int)
		bt.balances[key] = cur
	}
	cur.Add(cur, delta)
	if cur.Sign() == 0 {
		delete(bt.balances, key)
	}
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current signed balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// HolderBalance returns a holder's balance of asset. Negative balances are
// an invariant breach and read as zero here.
func (bt *BalanceTracker) HolderBalance(holder, asset common.Address) *uint256.Int {
	v := bt.GetBalance(NewHolderAccountKey(holder, asset))
	if v.Sign() <= 0 {
		return new(uint256.Int)
	}
	out, _ := uint256.FromBig(v)
	return out
}

// SetBalance overwrites a balance. Used when restoring from a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, value *big.Int) {
	if value.Sign() == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = new(big.Int).Set(value)
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*big.Int {
	totals := make(map[common.Address]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(big.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// TotalHeld sums all holder balances of an asset.
func (bt *BalanceTracker) TotalHeld(asset common.Address) *big.Int {
	total := new(big.Int)
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeHolder && key.Asset == asset {
			total.Add(total, balance)
		}
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Keys returns every account with a non-zero balance.
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	return keys
}
