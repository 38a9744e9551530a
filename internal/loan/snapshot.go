package loan

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Snapshot is the serializable state of a market. Collaborators are wiring
// and are not part of it.
type Snapshot struct {
	Address           common.Address          `json:"address"`
	Owner             common.Address          `json:"owner"`
	Proposer          common.Address          `json:"proposer"`
	AuthorizedCaller  common.Address          `json:"authorized_caller"`
	FeeRecipient      common.Address          `json:"fee_recipient"`
	AccountStorage    common.Address          `json:"account_storage"`
	Params            Params                  `json:"params"`
	ApprovedTokens    []common.Address        `json:"approved_tokens"`
	ApprovedPools     []common.Address        `json:"approved_pools"`
	ApprovedContracts []common.Address        `json:"approved_contracts"`
	DefaultPools      []common.Address        `json:"default_pools"`
	DefaultWeights    []uint64                `json:"default_weights"`
	Positions         []*Position             `json:"positions"`
	Payoff            map[string]string       `json:"payoff"`
	RewardsPerEpoch   map[uint64]*uint256.Int `json:"rewards_per_epoch"`
	Implementation    common.Address          `json:"implementation"`
	Pending           *UpgradeProposal        `json:"pending,omitempty"`
}

func sortedAddrs(m map[common.Address]bool) []common.Address {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (c *Core) Snapshot() Snapshot {
	snap := Snapshot{
		Address:           c.address,
		Owner:             c.owner,
		Proposer:          c.proposer,
		AuthorizedCaller:  c.authorizedCaller,
		FeeRecipient:      c.feeRecipient,
		AccountStorage:    c.accountStorage,
		Params:            c.params,
		ApprovedTokens:    sortedAddrs(c.approvedTokens),
		ApprovedPools:     sortedAddrs(c.approvedPools),
		ApprovedContracts: sortedAddrs(c.approvedContracts),
		DefaultPools:      append([]common.Address(nil), c.defaultPools...),
		DefaultWeights:    append([]uint64(nil), c.defaultWeights...),
		Positions:         c.Positions(),
		Payoff:            make(map[string]string, len(c.payoff)),
		RewardsPerEpoch:   make(map[uint64]*uint256.Int, len(c.rewardsPerEpoch)),
		Implementation:    c.implementation,
	}
	for borrower, key := range c.payoff {
		snap.Payoff[borrower.Hex()] = key
	}
	for epoch, v := range c.rewardsPerEpoch {
		snap.RewardsPerEpoch[epoch] = v.Clone()
	}
	if c.pending != nil {
		p := *c.pending
		snap.Pending = &p
	}
	return snap
}

// Restore replaces market state with snap. Only valid between transitions.
func (c *Core) Restore(snap Snapshot) {
	c.owner = snap.Owner
	c.proposer = snap.Proposer
	c.authorizedCaller = snap.AuthorizedCaller
	c.feeRecipient = snap.FeeRecipient
	c.accountStorage = snap.AccountStorage
	c.params = snap.Params

	c.approvedTokens = make(map[common.Address]bool)
	for _, a := range snap.ApprovedTokens {
		c.approvedTokens[a] = true
	}
	c.approvedPools = make(map[common.Address]bool)
	for _, a := range snap.ApprovedPools {
		c.approvedPools[a] = true
	}
	c.approvedContracts = make(map[common.Address]bool)
	for _, a := range snap.ApprovedContracts {
		c.approvedContracts[a] = true
	}
	c.defaultPools = append([]common.Address(nil), snap.DefaultPools...)
	c.defaultWeights = append([]uint64(nil), snap.DefaultWeights...)

	c.positions = make(map[string]*Position, len(snap.Positions))
	c.tokenIndex = make(map[uint64]string)
	for _, p := range snap.Positions {
		p = p.clone()
		key := p.Ref.Key()
		c.positions[key] = p
		for _, id := range p.Tokens {
			c.tokenIndex[id] = key
		}
	}
	c.payoff = make(map[common.Address]string, len(snap.Payoff))
	for borrower, key := range snap.Payoff {
		c.payoff[common.HexToAddress(borrower)] = key
	}
	c.rewardsPerEpoch = make(map[uint64]*uint256.Int, len(snap.RewardsPerEpoch))
	for epoch, v := range snap.RewardsPerEpoch {
		c.rewardsPerEpoch[epoch] = v.Clone()
	}
	c.implementation = snap.Implementation
	c.pending = nil
	if snap.Pending != nil {
		p := *snap.Pending
		c.pending = &p
	}
	c.entered = false
	c.touched = make(map[string]struct{})
}
