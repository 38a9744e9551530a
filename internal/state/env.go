package state

import (
	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var maxAllowance = new(uint256.Int).SetAllOne()

// MaxAllowance returns the sentinel for an approval that is never spent down.
func MaxAllowance() *uint256.Int { return maxAllowance.Clone() }

// Env is the execution context of a single call inside a transition: who is
// calling, at what time, and the store it mutates.
type Env struct {
	store  *Store
	Sender common.Address
	Time   uint64
}

// As returns a copy of the env with a different caller, used when one
// component calls another.
func (e *Env) As(sender common.Address) *Env {
	c := *e
	c.Sender = sender
	return &c
}

// At returns a copy of the env at a different time.
func (e *Env) At(ts uint64) *Env {
	c := *e
	c.Time = ts
	return &c
}

func (e *Env) Journal() *Journal {
	return e.store.journal
}

func (e *Env) Epoch() uint64 {
	return fpmath.EpochStart(e.Time)
}

func (e *Env) BalanceOf(holder, asset common.Address) *uint256.Int {
	return e.store.balanceOf(holder, asset)
}

// Transfer moves amount of asset from the caller to `to`.
func (e *Env) Transfer(to, asset common.Address, amount *uint256.Int, jt ledger.JournalType) error {
	return e.store.post(
		ledger.NewHolderAccountKey(to, asset),
		ledger.NewHolderAccountKey(e.Sender, asset),
		amount, jt)
}

// TransferFrom moves amount from `from` to `to`, spending the caller's
// allowance unless the caller is `from`.
func (e *Env) TransferFrom(from, to, asset common.Address, amount *uint256.Int, jt ledger.JournalType) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if from != e.Sender {
		allowed := e.store.allowance(from, e.Sender, asset)
		if allowed.Lt(amount) {
			return ErrInsufficientAllowance
		}
		if !allowed.Eq(maxAllowance) {
			e.store.setAllowance(from, e.Sender, asset, new(uint256.Int).Sub(allowed, amount))
		}
	}
	return e.store.post(
		ledger.NewHolderAccountKey(to, asset),
		ledger.NewHolderAccountKey(from, asset),
		amount, jt)
}

// Approve sets the allowance of spender over the caller's asset.
func (e *Env) Approve(spender, asset common.Address, amount *uint256.Int) {
	e.store.setAllowance(e.Sender, spender, asset, amount)
}

func (e *Env) Allowance(owner, spender, asset common.Address) *uint256.Int {
	return e.store.allowance(owner, spender, asset)
}

// Mint credits `to` from the external deposit boundary.
func (e *Env) Mint(to, asset common.Address, amount *uint256.Int, jt ledger.JournalType) error {
	return e.store.post(
		ledger.NewHolderAccountKey(to, asset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, asset),
		amount, jt)
}

// Burn debits `from` into the external withdrawal boundary.
func (e *Env) Burn(from, asset common.Address, amount *uint256.Int, jt ledger.JournalType) error {
	return e.store.post(
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, asset),
		ledger.NewHolderAccountKey(from, asset),
		amount, jt)
}

// Emit records a log for the current transition.
func (e *Env) Emit(contract common.Address, name string, fields map[string]string) {
	e.store.emit(Log{Contract: contract, Name: name, Fields: fields})
}
