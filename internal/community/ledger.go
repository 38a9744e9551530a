// Package community tracks shares in a managed collateral unit and splits
// rewards notified to it pro rata by end-of-epoch share balances.
package community

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnauthorized       = errors.New("community: unauthorized")
	ErrZeroAmount         = errors.New("community: zero amount")
	ErrInsufficientShares = errors.New("community: insufficient shares")
)

// Checkpoint is a balance as of Timestamp.
type Checkpoint struct {
	Timestamp uint64       `json:"timestamp"`
	Balance   *uint256.Int `json:"balance"`
}

// Ledger is the share ledger of one managed position. Only the authority
// (the contract managing the shared collateral) moves shares.
type Ledger struct {
	address   common.Address
	managed   uint64
	authority common.Address

	balances    map[common.Address]*uint256.Int
	totalSupply *uint256.Int
	checkpoints map[common.Address][]Checkpoint
	supply      []Checkpoint

	tokenRewardsPerEpoch map[common.Address]map[uint64]*uint256.Int
	lastEarn             map[common.Address]map[common.Address]uint64
}

func New(address common.Address, managedToken uint64, authority common.Address) *Ledger {
	return &Ledger{
		address:              address,
		managed:              managedToken,
		authority:            authority,
		balances:             make(map[common.Address]*uint256.Int),
		totalSupply:          new(uint256.Int),
		checkpoints:          make(map[common.Address][]Checkpoint),
		tokenRewardsPerEpoch: make(map[common.Address]map[uint64]*uint256.Int),
		lastEarn:             make(map[common.Address]map[common.Address]uint64),
	}
}

func (l *Ledger) Address() common.Address   { return l.address }
func (l *Ledger) ManagedToken() uint64      { return l.managed }
func (l *Ledger) Authority() common.Address { return l.authority }
func (l *Ledger) TotalSupply() *uint256.Int { return l.totalSupply.Clone() }

func (l *Ledger) BalanceOf(owner common.Address) *uint256.Int {
	return fpmath.OrZero(l.balances[owner]).Clone()
}

// TokenRewardsPerEpoch is the amount of token notified during the epoch
// starting at epoch.
func (l *Ledger) TokenRewardsPerEpoch(token common.Address, epoch uint64) *uint256.Int {
	return fpmath.OrZero(l.tokenRewardsPerEpoch[token][epoch]).Clone()
}

// Deposit credits shares to owner.
func (l *Ledger) Deposit(env *state.Env, owner common.Address, amount *uint256.Int) error {
	if env.Sender != l.authority {
		return ErrUnauthorized
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	next := new(uint256.Int).Add(fpmath.OrZero(l.balances[owner]), amount)
	l.setBalance(env, owner, next, new(uint256.Int).Add(l.totalSupply, amount))
	env.Emit(l.address, "SharesDeposited", map[string]string{
		"owner":  owner.Hex(),
		"amount": amount.Dec(),
	})
	return nil
}

// Withdraw debits shares from owner.
func (l *Ledger) Withdraw(env *state.Env, owner common.Address, amount *uint256.Int) error {
	if env.Sender != l.authority {
		return ErrUnauthorized
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	bal := fpmath.OrZero(l.balances[owner])
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s < %s", ErrInsufficientShares, bal.Dec(), amount.Dec())
	}
	l.setBalance(env, owner, new(uint256.Int).Sub(bal, amount), new(uint256.Int).Sub(l.totalSupply, amount))
	env.Emit(l.address, "SharesWithdrawn", map[string]string{
		"owner":  owner.Hex(),
		"amount": amount.Dec(),
	})
	return nil
}

func (l *Ledger) setBalance(env *state.Env, owner common.Address, balance, supply *uint256.Int) {
	j := env.Journal()
	state.SetKey(j, l.balances, owner, balance)
	state.Set(j, &l.totalSupply, supply)
	state.SetKey(j, l.checkpoints, owner, writeCheckpoint(l.checkpoints[owner], env.Time, balance))
	state.Set(j, &l.supply, writeCheckpoint(l.supply, env.Time, supply))
}

// writeCheckpoint returns a copy of cps with balance recorded at ts. A
// checkpoint at the same timestamp is replaced.
func writeCheckpoint(cps []Checkpoint, ts uint64, balance *uint256.Int) []Checkpoint {
	out := make([]Checkpoint, len(cps), len(cps)+1)
	copy(out, cps)
	cp := Checkpoint{Timestamp: ts, Balance: balance.Clone()}
	if n := len(out); n > 0 && out[n-1].Timestamp == ts {
		out[n-1] = cp
		return out
	}
	return append(out, cp)
}

// balanceAt is the last checkpointed balance at or before ts.
func balanceAt(cps []Checkpoint, ts uint64) *uint256.Int {
	i := sort.Search(len(cps), func(i int) bool { return cps[i].Timestamp > ts })
	if i == 0 {
		return new(uint256.Int)
	}
	return cps[i-1].Balance
}

// NotifyRewardAmount moves amount of token from the caller into the ledger
// for distribution over the current epoch's shareholders.
func (l *Ledger) NotifyRewardAmount(env *state.Env, token common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := env.Transfer(l.address, token, amount, ledger.JournalTypeCommunityReward); err != nil {
		return fmt.Errorf("pull reward: %w", err)
	}
	epoch := env.Epoch()
	perEpoch, ok := l.tokenRewardsPerEpoch[token]
	if !ok {
		perEpoch = make(map[uint64]*uint256.Int)
		state.SetKey(env.Journal(), l.tokenRewardsPerEpoch, token, perEpoch)
	}
	state.SetKey(env.Journal(), perEpoch, epoch, new(uint256.Int).Add(fpmath.OrZero(perEpoch[epoch]), amount))
	env.Emit(l.address, "RewardNotified", map[string]string{
		"token":  token.Hex(),
		"epoch":  strconv.FormatUint(epoch, 10),
		"amount": amount.Dec(),
	})
	return nil
}

// Earned is owner's unclaimed token reward from every completed epoch since
// its last claim: for each epoch, the notified amount times owner's share
// of supply as of the epoch's last second.
func (l *Ledger) Earned(token, owner common.Address, now uint64) *uint256.Int {
	cps := l.checkpoints[owner]
	if len(cps) == 0 {
		return new(uint256.Int)
	}
	ts := fpmath.EpochStart(l.lastEarn[token][owner])
	if first := fpmath.EpochStart(cps[0].Timestamp); first > ts {
		ts = first
	}
	reward := new(uint256.Int)
	one := uint256.NewInt(1)
	for end := fpmath.EpochStart(now); ts < end; ts += fpmath.Week {
		amount := l.tokenRewardsPerEpoch[token][ts]
		if amount == nil || amount.IsZero() {
			continue
		}
		last := ts + fpmath.Week - 1
		supply := fpmath.Max(balanceAt(l.supply, last), one)
		share, err := fpmath.MulDiv(balanceAt(cps, last), amount, supply, fpmath.RoundDown)
		if err != nil {
			continue
		}
		reward.Add(reward, share)
	}
	return reward
}

// GetReward pays owner everything earned in tokens. The owner or the
// authority may call it; payment always goes to the owner.
func (l *Ledger) GetReward(env *state.Env, owner common.Address, tokens []common.Address) (map[common.Address]*uint256.Int, error) {
	if env.Sender != owner && env.Sender != l.authority {
		return nil, ErrUnauthorized
	}
	self := env.As(l.address)
	paid := make(map[common.Address]*uint256.Int, len(tokens))
	for _, token := range tokens {
		amount := l.Earned(token, owner, env.Time)
		last, ok := l.lastEarn[token]
		if !ok {
			last = make(map[common.Address]uint64)
			state.SetKey(env.Journal(), l.lastEarn, token, last)
		}
		state.SetKey(env.Journal(), last, owner, env.Time)
		if amount.IsZero() {
			continue
		}
		if err := self.Transfer(owner, token, amount, ledger.JournalTypeCommunityReward); err != nil {
			return nil, fmt.Errorf("pay %s: %w", token.Hex(), err)
		}
		paid[token] = amount
		env.Emit(l.address, "RewardClaimed", map[string]string{
			"owner":  owner.Hex(),
			"token":  token.Hex(),
			"amount": amount.Dec(),
		})
	}
	return paid, nil
}
