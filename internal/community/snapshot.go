package community

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type HolderSnapshot struct {
	Owner       common.Address `json:"owner"`
	Balance     *uint256.Int   `json:"balance"`
	Checkpoints []Checkpoint   `json:"checkpoints"`
}

type EpochReward struct {
	Token  common.Address `json:"token"`
	Epoch  uint64         `json:"epoch"`
	Amount *uint256.Int   `json:"amount"`
}

type LastEarn struct {
	Token common.Address `json:"token"`
	Owner common.Address `json:"owner"`
	At    uint64         `json:"at"`
}

// Snapshot is the serializable state of a ledger.
type Snapshot struct {
	Authority   common.Address   `json:"authority"`
	TotalSupply *uint256.Int     `json:"total_supply"`
	Supply      []Checkpoint     `json:"supply"`
	Holders     []HolderSnapshot `json:"holders"`
	Rewards     []EpochReward    `json:"rewards"`
	LastEarn    []LastEarn       `json:"last_earn"`
}

func (l *Ledger) Snapshot() Snapshot {
	snap := Snapshot{
		Authority:   l.authority,
		TotalSupply: l.totalSupply.Clone(),
		Supply:      append([]Checkpoint(nil), l.supply...),
	}
	for owner, cps := range l.checkpoints {
		snap.Holders = append(snap.Holders, HolderSnapshot{
			Owner:       owner,
			Balance:     l.BalanceOf(owner),
			Checkpoints: append([]Checkpoint(nil), cps...),
		})
	}
	sort.Slice(snap.Holders, func(i, j int) bool { return snap.Holders[i].Owner.Cmp(snap.Holders[j].Owner) < 0 })
	for token, epochs := range l.tokenRewardsPerEpoch {
		for epoch, amount := range epochs {
			snap.Rewards = append(snap.Rewards, EpochReward{Token: token, Epoch: epoch, Amount: amount.Clone()})
		}
	}
	sort.Slice(snap.Rewards, func(i, j int) bool {
		if c := snap.Rewards[i].Token.Cmp(snap.Rewards[j].Token); c != 0 {
			return c < 0
		}
		return snap.Rewards[i].Epoch < snap.Rewards[j].Epoch
	})
	for token, owners := range l.lastEarn {
		for owner, at := range owners {
			snap.LastEarn = append(snap.LastEarn, LastEarn{Token: token, Owner: owner, At: at})
		}
	}
	sort.Slice(snap.LastEarn, func(i, j int) bool {
		if c := snap.LastEarn[i].Token.Cmp(snap.LastEarn[j].Token); c != 0 {
			return c < 0
		}
		return snap.LastEarn[i].Owner.Cmp(snap.LastEarn[j].Owner) < 0
	})
	return snap
}

func (l *Ledger) Restore(snap Snapshot) {
	l.authority = snap.Authority
	l.totalSupply = snap.TotalSupply.Clone()
	l.supply = append([]Checkpoint(nil), snap.Supply...)
	l.balances = make(map[common.Address]*uint256.Int, len(snap.Holders))
	l.checkpoints = make(map[common.Address][]Checkpoint, len(snap.Holders))
	for _, h := range snap.Holders {
		l.balances[h.Owner] = h.Balance.Clone()
		l.checkpoints[h.Owner] = append([]Checkpoint(nil), h.Checkpoints...)
	}
	l.tokenRewardsPerEpoch = make(map[common.Address]map[uint64]*uint256.Int)
	for _, r := range snap.Rewards {
		if l.tokenRewardsPerEpoch[r.Token] == nil {
			l.tokenRewardsPerEpoch[r.Token] = make(map[uint64]*uint256.Int)
		}
		l.tokenRewardsPerEpoch[r.Token][r.Epoch] = r.Amount.Clone()
	}
	l.lastEarn = make(map[common.Address]map[common.Address]uint64)
	for _, e := range snap.LastEarn {
		if l.lastEarn[e.Token] == nil {
			l.lastEarn[e.Token] = make(map[common.Address]uint64)
		}
		l.lastEarn[e.Token][e.Owner] = e.At
	}
}
