package loan

import (
	"strconv"

	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func (c *Core) onlyOwner(env *state.Env) error {
	if env.Sender != c.owner {
		return ErrNotOwner
	}
	return nil
}

func (c *Core) setParams(env *state.Env, next Params) error {
	if err := next.Validate(); err != nil {
		return err
	}
	state.Set(env.Journal(), &c.params, next)
	env.Emit(c.address, "ParamsUpdated", map[string]string{
		"multiplier":     strconv.FormatUint(next.Multiplier, 10),
		"rewardsRate":    strconv.FormatUint(next.RewardsRate, 10),
		"lenderPremium":  strconv.FormatUint(next.LenderPremium, 10),
		"protocolFee":    strconv.FormatUint(next.ProtocolFee, 10),
		"zeroBalanceFee": strconv.FormatUint(next.ZeroBalanceFee, 10),
		"flashFee":       strconv.FormatUint(next.FlashFee, 10),
	})
	return nil
}

func (c *Core) updateParams(env *state.Env, mutate func(*Params)) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	next := c.params
	mutate(&next)
	return c.setParams(env, next)
}

func (c *Core) SetMultiplier(env *state.Env, v uint64) error {
	return c.updateParams(env, func(p *Params) { p.Multiplier = v })
}

func (c *Core) SetRewardsRate(env *state.Env, bps uint64) error {
	return c.updateParams(env, func(p *Params) { p.RewardsRate = bps })
}

func (c *Core) SetLenderPremium(env *state.Env, bps uint64) error {
	return c.updateParams(env, func(p *Params) { p.LenderPremium = bps })
}

func (c *Core) SetProtocolFee(env *state.Env, bps uint64) error {
	return c.updateParams(env, func(p *Params) { p.ProtocolFee = bps })
}

func (c *Core) SetZeroBalanceFee(env *state.Env, bps uint64) error {
	return c.updateParams(env, func(p *Params) { p.ZeroBalanceFee = bps })
}

func (c *Core) SetFlashFee(env *state.Env, bps uint64) error {
	return c.updateParams(env, func(p *Params) { p.FlashFee = bps })
}

func (c *Core) SetMaxUtilization(env *state.Env, bps uint64) error {
	return c.updateParams(env, func(p *Params) { p.MaxUtilization = bps })
}

func (c *Core) SetVoteCooldown(env *state.Env, seconds uint64) error {
	return c.updateParams(env, func(p *Params) { p.VoteCooldown = seconds })
}

func (c *Core) SetApprovedPools(env *state.Env, pools []common.Address, approved bool) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	for _, pool := range pools {
		if pool == (common.Address{}) {
			return ErrZeroAddress
		}
		setFlag(env, c.approvedPools, pool, approved)
	}
	return nil
}

func (c *Core) SetApprovedToken(env *state.Env, token common.Address, approved bool) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	if token == (common.Address{}) {
		return ErrZeroAddress
	}
	setFlag(env, c.approvedTokens, token, approved)
	return nil
}

// SetApprovedContract trusts addr with SetBorrower and cross-market
// transfers into this market.
func (c *Core) SetApprovedContract(env *state.Env, addr common.Address, approved bool) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	setFlag(env, c.approvedContracts, addr, approved)
	return nil
}

func setFlag(env *state.Env, m map[common.Address]bool, k common.Address, v bool) {
	if v {
		state.SetKey(env.Journal(), m, k, true)
		return
	}
	state.DeleteKey(env.Journal(), m, k)
}

func (c *Core) IsApprovedPool(pool common.Address) bool     { return c.approvedPools[pool] }
func (c *Core) IsApprovedToken(token common.Address) bool   { return c.approvedTokens[token] }
func (c *Core) IsApprovedContract(addr common.Address) bool { return c.approvedContracts[addr] }

// SetDefaultVote sets the allocation used for positions in automatic mode.
func (c *Core) SetDefaultVote(env *state.Env, pools []common.Address, weights []uint64) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	if len(pools) != len(weights) {
		return ErrLengthMismatch
	}
	var total uint64
	for i, pool := range pools {
		if !c.approvedPools[pool] {
			return ErrUnapprovedPool
		}
		total += weights[i]
	}
	if len(pools) > 0 && total == 0 {
		return ErrZeroVoteWeight
	}
	state.Set(env.Journal(), &c.defaultPools, append([]common.Address(nil), pools...))
	state.Set(env.Journal(), &c.defaultWeights, append([]uint64(nil), weights...))
	return nil
}

func (c *Core) SetSwapper(env *state.Env, swapper SwapExecutor) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	if swapper == nil {
		return ErrZeroAddress
	}
	state.Set(env.Journal(), &c.swapper, swapper)
	return nil
}

func (c *Core) SetPortfolioFactory(env *state.Env, factory PortfolioFactory) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	if factory == nil {
		return ErrZeroAddress
	}
	state.Set(env.Journal(), &c.factory, factory)
	return nil
}

func (c *Core) SetAccountStorage(env *state.Env, addr common.Address) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	state.Set(env.Journal(), &c.accountStorage, addr)
	return nil
}

func (c *Core) SetAuthorizedCaller(env *state.Env, addr common.Address) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	state.Set(env.Journal(), &c.authorizedCaller, addr)
	return nil
}

func (c *Core) SetFeeRecipient(env *state.Env, addr common.Address) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	state.Set(env.Journal(), &c.feeRecipient, addr)
	return nil
}

func (c *Core) SetProposer(env *state.Env, addr common.Address) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	state.Set(env.Journal(), &c.proposer, addr)
	return nil
}

func (c *Core) TransferOwnership(env *state.Env, owner common.Address) error {
	if err := c.onlyOwner(env); err != nil {
		return err
	}
	if owner == (common.Address{}) {
		return ErrZeroAddress
	}
	state.Set(env.Journal(), &c.owner, owner)
	env.Emit(c.address, "OwnershipTransferred", map[string]string{"owner": owner.Hex()})
	return nil
}
