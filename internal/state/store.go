package state

import (
	"errors"
	"sort"
	"time"

	"FortyAcres/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientAllowance = errors.New("state: insufficient allowance")
	ErrTransitionOpen        = errors.New("state: transition already open")
	ErrNoTransition          = errors.New("state: no open transition")
)

type allowanceKey struct {
	Owner   common.Address
	Spender common.Address
	Asset   common.Address
}

// Allowance is the exported form of one approval, used by snapshots.
type Allowance struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Asset   common.Address `json:"asset"`
	Amount  *uint256.Int   `json:"amount"`
}

// Log is a contract-level notification raised during a transition.
type Log struct {
	Contract common.Address    `json:"contract"`
	Name     string            `json:"name"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Store owns committed token state (ledger balances and allowances) and the
// bookkeeping of the transition currently being applied.
type Store struct {
	tracker    *ledger.BalanceTracker
	generator  *ledger.JournalGenerator
	allowances map[allowanceKey]*uint256.Int

	journal *Journal
	tx      *ledger.Tx
	logs    []Log
}

func NewStore(tracker *ledger.BalanceTracker) *Store {
	return &Store{
		tracker:    tracker,
		generator:  ledger.NewJournalGenerator(tracker),
		allowances: make(map[allowanceKey]*uint256.Int),
		journal:    NewJournal(),
	}
}

func (s *Store) Tracker() *ledger.BalanceTracker {
	return s.tracker
}

// Begin opens a transition. All token moves are staged until Commit.
func (s *Store) Begin(eventRef string, sequence int64, ts time.Time) (*Env, error) {
	if s.tx != nil {
		return nil, ErrTransitionOpen
	}
	s.tx = s.generator.Begin(eventRef, sequence, ts.UnixMicro())
	s.journal.Reset()
	s.logs = nil
	return &Env{store: s, Time: uint64(ts.Unix())}, nil
}

// View returns an env over committed state for read-only calls made
// between transitions. Token moves through it fail with ErrNoTransition.
func (s *Store) View(ts uint64) *Env {
	return &Env{store: s, Time: ts}
}

// Commit closes the transition and returns its journal batch and logs. The
// caller applies the batch to the tracker.
func (s *Store) Commit() (*ledger.Batch, []Log, error) {
	if s.tx == nil {
		return nil, nil, ErrNoTransition
	}
	batch := s.tx.Batch()
	logs := s.logs
	s.tx = nil
	s.logs = nil
	s.journal.Reset()
	return batch, logs, nil
}

// Rollback undoes every mutation registered since Begin.
func (s *Store) Rollback() {
	s.journal.RevertToSnapshot(0)
	s.journal.Reset()
	s.tx = nil
	s.logs = nil
}

func (s *Store) balanceOf(holder, asset common.Address) *uint256.Int {
	if s.tx != nil {
		return s.tx.HolderBalance(holder, asset)
	}
	return s.tracker.HolderBalance(holder, asset)
}

func (s *Store) post(debit, credit ledger.AccountKey, amount *uint256.Int, jt ledger.JournalType) error {
	if s.tx == nil {
		return ErrNoTransition
	}
	mark := s.tx.Len()
	if err := s.tx.Post(debit, credit, amount, jt); err != nil {
		return err
	}
	tx := s.tx
	s.journal.Append(func() { tx.Truncate(mark) })
	return nil
}

func (s *Store) allowance(owner, spender, asset common.Address) *uint256.Int {
	if v, ok := s.allowances[allowanceKey{owner, spender, asset}]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (s *Store) setAllowance(owner, spender, asset common.Address, amount *uint256.Int) {
	key := allowanceKey{owner, spender, asset}
	if amount.IsZero() {
		DeleteKey(s.journal, s.allowances, key)
		return
	}
	SetKey(s.journal, s.allowances, key, amount.Clone())
}

func (s *Store) emit(l Log) {
	n := len(s.logs)
	s.logs = append(s.logs, l)
	s.journal.Append(func() { s.logs = s.logs[:n] })
}

// Allowances exports all approvals in a deterministic order.
func (s *Store) Allowances() []Allowance {
	out := make([]Allowance, 0, len(s.allowances))
	for k, v := range s.allowances {
		out = append(out, Allowance{Owner: k.Owner, Spender: k.Spender, Asset: k.Asset, Amount: v.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Owner.Cmp(out[j].Owner); c != 0 {
			return c < 0
		}
		if c := out[i].Spender.Cmp(out[j].Spender); c != 0 {
			return c < 0
		}
		return out[i].Asset.Cmp(out[j].Asset) < 0
	})
	return out
}

// RestoreAllowances replaces all approvals. Only valid between transitions.
func (s *Store) RestoreAllowances(list []Allowance) {
	s.allowances = make(map[allowanceKey]*uint256.Int, len(list))
	for _, a := range list {
		if a.Amount == nil || a.Amount.IsZero() {
			continue
		}
		s.allowances[allowanceKey{a.Owner, a.Spender, a.Asset}] = a.Amount.Clone()
	}
}
