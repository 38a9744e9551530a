package loan

import (
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func (c *Core) updatePosition(env *state.Env, ref CollateralRef, mutate func(*Position) error) error {
	p, err := c.lookup(ref)
	if err != nil {
		return err
	}
	if env.Sender != p.Borrower {
		return ErrNotBorrower
	}
	next := p.clone()
	if err := mutate(next); err != nil {
		return err
	}
	c.put(env, next)
	env.Emit(c.address, "PositionUpdated", map[string]string{"ref": ref.Key()})
	return nil
}

func (c *Core) SetZeroBalanceOption(env *state.Env, ref CollateralRef, opt ZeroBalanceOption) error {
	return c.updatePosition(env, ref, func(p *Position) error {
		if !opt.Valid() {
			return ErrInvalidZeroBalance
		}
		p.ZeroBalanceOption = opt
		return nil
	})
}

func (c *Core) SetIncreasePercentage(env *state.Env, ref CollateralRef, bps uint64) error {
	return c.updatePosition(env, ref, func(p *Position) error {
		if bps > fpmath.BasisPoints {
			return ErrInvalidPercentage
		}
		p.IncreasePercentage = bps
		return nil
	})
}

// SetPreferredToken sets the payout token. The zero address means the
// principal asset.
func (c *Core) SetPreferredToken(env *state.Env, ref CollateralRef, token common.Address) error {
	return c.updatePosition(env, ref, func(p *Position) error {
		if token != (common.Address{}) && !c.approvedTokens[token] {
			return ErrUnapprovedToken
		}
		p.PreferredToken = token
		return nil
	})
}

func (c *Core) SetTopUp(env *state.Env, ref CollateralRef, enabled bool) error {
	return c.updatePosition(env, ref, func(p *Position) error {
		p.TopUp = enabled
		return nil
	})
}

// SetPayoffToken marks ref as the borrower's payoff position: rewards
// claimed for the borrower's other positions pay it down first. A borrower
// has at most one.
func (c *Core) SetPayoffToken(env *state.Env, ref CollateralRef, enabled bool) error {
	return c.updatePosition(env, ref, func(p *Position) error {
		current, ok := c.payoff[p.Borrower]
		switch {
		case enabled:
			state.SetKey(env.Journal(), c.payoff, p.Borrower, ref.Key())
		case ok && current == ref.Key():
			state.DeleteKey(env.Journal(), c.payoff, p.Borrower)
		}
		return nil
	})
}
