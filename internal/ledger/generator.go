package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// JournalGenerator opens per-event transactions against the tracker.
type JournalGenerator struct {
	tracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{tracker: tracker}
}

// Begin starts staging journals for one event. Nothing touches the tracker
// until the caller applies Tx.Batch().
func (jg *JournalGenerator) Begin(eventRef string, sequence, timestamp int64) *Tx {
	return &Tx{
		tracker:   jg.tracker,
		batchID:   uuid.New(),
		eventRef:  eventRef,
		sequence:  sequence,
		timestamp: timestamp,
		deltas:    make(map[AccountKey]*big.Int),
	}
}

// Tx overlays staged deltas on the committed balances.
type Tx struct {
	tracker   *BalanceTracker
	batchID   uuid.UUID
	eventRef  string
	sequence  int64
	timestamp int64
	deltas    map[AccountKey]*big.Int
	journals  []Journal
}

// Balance returns the committed balance plus staged deltas.
func (tx *Tx) Balance(key AccountKey) *big.Int {
	bal := tx.tracker.GetBalance(key)
	if d, ok := tx.deltas[key]; ok {
		bal.Add(bal, d)
	}
	return bal
}

// HolderBalance is Balance for a holder account, as an unsigned amount.
func (tx *Tx) HolderBalance(holder, asset common.Address) *uint256.Int {
	v := tx.Balance(NewHolderAccountKey(holder, asset))
	if v.Sign() <= 0 {
		return new(uint256.Int)
	}
	out, _ := uint256.FromBig(v)
	return out
}

// Post stages one journal moving amount from credit to debit. Holder
// accounts may not be overdrawn. Zero amounts are a no-op.
func (tx *Tx) Post(debit, credit AccountKey, amount *uint256.Int, jt JournalType) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if debit.Asset != credit.Asset {
		return fmt.Errorf("post %s: asset mismatch", jt)
	}
	if debit == credit {
		return nil
	}
	if credit.Scope == AccountScopeHolder {
		if tx.Balance(credit).Cmp(amount.ToBig()) < 0 {
			return fmt.Errorf("%w: %s has %s, needs %s",
				ErrInsufficientBalance, credit.AccountPath(), tx.Balance(credit), amount.Dec())
		}
	}

	tx.addDelta(debit, amount.ToBig())
	tx.addDelta(credit, new(big.Int).Neg(amount.ToBig()))
	tx.journals = append(tx.journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       tx.batchID,
		EventRef:      tx.eventRef,
		Sequence:      tx.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     tx.timestamp,
	})
	return nil
}

func (tx *Tx) addDelta(key AccountKey, delta *big.Int) {
	cur, ok := tx.deltas[key]
	if !ok {
		cur = new(big.Int)
		tx.deltas[key] = cur
	}
	cur.Add(cur, delta)
}

// Len returns the number of staged journals.
func (tx *Tx) Len() int { return len(tx.journals) }

// Truncate drops every journal staged after the first n.
func (tx *Tx) Truncate(n int) {
	if n < 0 || n >= len(tx.journals) {
		return
	}
	for _, j := range tx.journals[n:] {
		amount := j.Amount.ToBig()
		tx.addDelta(j.DebitAccount, new(big.Int).Neg(amount))
		tx.addDelta(j.CreditAccount, amount)
	}
	tx.journals = tx.journals[:n]
}

// Batch returns the staged journals as a batch.
func (tx *Tx) Batch() *Batch {
	journals := make([]Journal, len(tx.journals))
	copy(journals, tx.journals)
	return &Batch{
		BatchID:   tx.batchID,
		EventRef:  tx.eventRef,
		Sequence:  tx.sequence,
		Timestamp: tx.timestamp,
		Journals:  journals,
	}
}
