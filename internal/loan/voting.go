package loan

import (
	"fmt"
	"math/bits"
	"strconv"

	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Vote submits ref's allocation for the current epoch: the borrower's
// manual pools when set, otherwise the market defaults. It reports false
// without error when there is nothing to do this epoch.
func (c *Core) Vote(env *state.Env, ref CollateralRef) (voted bool, err error) {
	done, err := c.enter(env)
	if err != nil {
		return false, err
	}
	defer done(&err)

	p, err := c.lookup(ref)
	if err != nil {
		return false, err
	}
	return c.vote(env, p)
}

func (c *Core) vote(env *state.Env, p *Position) (bool, error) {
	epoch := env.Epoch()
	if !fpmath.InVoteWindow(env.Time) || p.LastVoteEpoch == epoch {
		return false, nil
	}
	pools, weights := c.defaultPools, c.defaultWeights
	if p.Manual() {
		pools, weights = p.Pools, p.Weights
	}
	if len(pools) == 0 {
		return false, nil
	}
	var ready []uint64
	for _, id := range p.Tokens {
		if c.router.CanVote(id, env.Time) {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 {
		return false, nil
	}

	next := p.clone()
	next.LastVoteEpoch = epoch
	c.put(env, next)
	for _, id := range ready {
		if err := c.router.Vote(c.self(env), id, pools, weights); err != nil {
			return false, fmt.Errorf("vote token %d: %w", id, err)
		}
	}
	env.Emit(c.address, "PositionVoted", map[string]string{
		"ref":    p.Ref.Key(),
		"epoch":  strconv.FormatUint(epoch, 10),
		"manual": strconv.FormatBool(p.Manual()),
	})
	return true, nil
}

// UserVote sets the vote allocation of the caller's positions. Empty pools
// return them to automatic mode. A manual allocation is submitted
// immediately when the position has not voted this epoch.
func (c *Core) UserVote(env *state.Env, refs []CollateralRef, pools []common.Address, weights []uint64) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	if len(pools) != len(weights) {
		return ErrLengthMismatch
	}
	var total uint64
	for i, pool := range pools {
		if !c.approvedPools[pool] {
			return fmt.Errorf("%w: %s", ErrUnapprovedPool, pool.Hex())
		}
		var carry uint64
		if total, carry = bits.Add64(total, weights[i], 0); carry != 0 {
			return ErrVoteWeightOverflow
		}
	}
	manual := len(pools) > 0
	if manual && total == 0 {
		return ErrZeroVoteWeight
	}

	for _, ref := range refs {
		p, err := c.lookup(ref)
		if err != nil {
			return err
		}
		if env.Sender != p.Borrower {
			return ErrNotBorrower
		}
		next := p.clone()
		if manual {
			if next.LastManualVoteAt != 0 && env.Time < next.LastManualVoteAt+c.params.VoteCooldown {
				return fmt.Errorf("%w: %s until %d", ErrVoteCooldown, ref.Key(), next.LastManualVoteAt+c.params.VoteCooldown)
			}
			next.Pools = append([]common.Address(nil), pools...)
			next.Weights = append([]uint64(nil), weights...)
			next.VoteTimestamp = env.Time
			next.LastManualVoteAt = env.Time
		} else {
			next.Pools = nil
			next.Weights = nil
			next.VoteTimestamp = 0
		}
		c.put(env, next)
		env.Emit(c.address, "UserVoteSet", map[string]string{
			"ref":    ref.Key(),
			"manual": strconv.FormatBool(manual),
		})
		if manual {
			if _, err := c.vote(env, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset returns a debt-free position to automatic voting, withdraws its
// live votes and drops its payoff flag.
func (c *Core) Reset(env *state.Env, ref CollateralRef) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	p, err := c.lookup(ref)
	if err != nil {
		return err
	}
	if env.Sender != p.Borrower {
		return ErrNotBorrower
	}
	if !p.Balance.IsZero() {
		return ErrOutstandingBalance
	}
	next := p.clone()
	next.Pools = nil
	next.Weights = nil
	next.VoteTimestamp = 0
	c.put(env, next)
	if c.payoff[p.Borrower] == ref.Key() {
		state.DeleteKey(env.Journal(), c.payoff, p.Borrower)
	}
	for _, id := range p.Tokens {
		if !c.custodian.Voted(id) {
			continue
		}
		if err := c.router.Reset(c.self(env), id); err != nil {
			return fmt.Errorf("reset token %d: %w", id, err)
		}
	}
	env.Emit(c.address, "PositionReset", map[string]string{"ref": ref.Key()})
	return nil
}
