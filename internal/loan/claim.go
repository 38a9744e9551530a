package loan

import (
	"fmt"
	"strconv"

	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"
	"FortyAcres/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Claim harvests rewards for ref, converts them to the principal asset and
// applies the proceeds: payoff peer first, then ref's own debt, then the
// zero balance option for any surplus. allocations[0] is the minimum
// principal the reward swap must yield, allocations[1] the minimum
// preferred-token payout.
func (c *Core) Claim(
	env *state.Env,
	ref CollateralRef,
	distributors []common.Address,
	tokens [][]common.Address,
	swapData []byte,
	allocations [2]*uint256.Int,
) (res *ClaimResult, err error) {
	done, err := c.enter(env)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	if env.Sender != c.authorizedCaller {
		return nil, ErrUnauthorized
	}
	p, err := c.lookup(ref)
	if err != nil {
		return nil, err
	}
	rewardTokens, err := c.validateClaim(distributors, tokens)
	if err != nil {
		return nil, err
	}

	asset := c.Asset()
	before := make(map[common.Address]*uint256.Int, len(rewardTokens))
	for _, t := range rewardTokens {
		before[t] = env.BalanceOf(c.address, t)
	}

	if err := c.harvest(env, p, distributors, tokens); err != nil {
		return nil, err
	}
	if len(swapData) > 0 {
		if err := c.swapRewards(env, rewardTokens, before, swapData); err != nil {
			return nil, err
		}
	}

	after := env.BalanceOf(c.address, asset)
	if after.Lt(before[asset]) {
		return nil, fmt.Errorf("%w: principal balance decreased", ErrSlippage)
	}
	net := new(uint256.Int).Sub(after, before[asset])
	if floor := allocations[0]; floor != nil && net.Lt(floor) {
		return nil, fmt.Errorf("%w: got %s, want >= %s", ErrSlippage, net.Dec(), floor.Dec())
	}
	if err := c.refundLeftovers(env, p.Borrower, rewardTokens, before); err != nil {
		return nil, err
	}

	res = newClaimResult()
	res.Net = net.Clone()
	c.addRewards(env, net)
	if err := c.applyRewards(env, ref, net, allocations[1], res); err != nil {
		return nil, err
	}
	if err := c.topUp(env, ref, res); err != nil {
		return nil, err
	}

	env.Emit(c.address, "RewardsClaimed", map[string]string{
		"ref":           ref.Key(),
		"net":           res.Net.Dec(),
		"debtReduction": res.DebtReduction.Dec(),
		"toOwner":       res.ToOwner.Dec(),
		"toProtocol":    res.ToProtocol.Dec(),
		"reinvested":    res.Reinvested.Dec(),
		"retained":      res.Retained.Dec(),
		"toppedUp":      res.ToppedUp.Dec(),
	})
	return res, nil
}

// validateClaim checks every distributor and token against the allow-lists
// and returns the distinct claimed tokens with the principal asset first.
func (c *Core) validateClaim(distributors []common.Address, tokens [][]common.Address) ([]common.Address, error) {
	if len(distributors) != len(tokens) {
		return nil, ErrLengthMismatch
	}
	asset := c.Asset()
	out := []common.Address{asset}
	seen := map[common.Address]bool{asset: true}
	for i, dist := range distributors {
		pool, _, ok := c.router.DistributorInfo(dist)
		if !ok || !c.approvedPools[pool] {
			return nil, fmt.Errorf("%w: distributor %s", ErrUnapprovedPool, dist.Hex())
		}
		for _, t := range tokens[i] {
			if !c.approvedTokens[t] {
				return nil, fmt.Errorf("%w: %s", ErrUnapprovedToken, t.Hex())
			}
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (c *Core) harvest(env *state.Env, p *Position, distributors []common.Address, tokens [][]common.Address) error {
	var feeDists, bribeDists []common.Address
	var feeTokens, bribeTokens [][]common.Address
	for i, dist := range distributors {
		_, bribe, _ := c.router.DistributorInfo(dist)
		if bribe {
			bribeDists = append(bribeDists, dist)
			bribeTokens = append(bribeTokens, tokens[i])
		} else {
			feeDists = append(feeDists, dist)
			feeTokens = append(feeTokens, tokens[i])
		}
	}
	self := c.self(env)
	for _, id := range p.Tokens {
		if len(feeDists) > 0 {
			if err := c.router.ClaimFees(self, feeDists, feeTokens, id); err != nil {
				return fmt.Errorf("claim fees for %d: %w", id, err)
			}
		}
		if len(bribeDists) > 0 {
			if err := c.router.ClaimBribes(self, bribeDists, bribeTokens, id); err != nil {
				return fmt.Errorf("claim bribes for %d: %w", id, err)
			}
		}
	}
	return nil
}

// swapRewards lets the executor spend exactly the claimed non-principal
// amounts, then revokes the approvals.
func (c *Core) swapRewards(env *state.Env, rewardTokens []common.Address, before map[common.Address]*uint256.Int, data []byte) error {
	if c.swapper == nil {
		return ErrZeroAddress
	}
	self := c.self(env)
	spender := c.swapper.Address()
	for _, t := range rewardTokens[1:] {
		gained := fpmath.SaturatingSub(env.BalanceOf(c.address, t), before[t])
		if !gained.IsZero() {
			self.Approve(spender, t, gained)
		}
	}
	if err := c.swapper.Execute(self, data); err != nil {
		return fmt.Errorf("swap rewards: %w", err)
	}
	for _, t := range rewardTokens[1:] {
		self.Approve(spender, t, new(uint256.Int))
	}
	return nil
}

// refundLeftovers forwards claimed tokens the swap did not consume.
func (c *Core) refundLeftovers(env *state.Env, to common.Address, rewardTokens []common.Address, before map[common.Address]*uint256.Int) error {
	self := c.self(env)
	for _, t := range rewardTokens[1:] {
		left := fpmath.SaturatingSub(env.BalanceOf(c.address, t), before[t])
		if left.IsZero() {
			continue
		}
		if err := self.Transfer(to, t, left, ledger.JournalTypeRewardClaim); err != nil {
			return err
		}
	}
	return nil
}

// applyRewards spends net principal already held by the market.
func (c *Core) applyRewards(env *state.Env, ref CollateralRef, net, minPayout *uint256.Int, res *ClaimResult) error {
	remaining := net.Clone()
	p := c.positions[ref.Key()]

	if peerKey, ok := c.payoff[p.Borrower]; ok && peerKey != ref.Key() {
		if peer, ok := c.positions[peerKey]; ok && !peer.Balance.IsZero() {
			paid := fpmath.Min(remaining, peer.Balance)
			if _, err := c.repay(env, peer, paid); err != nil {
				return err
			}
			remaining.Sub(remaining, paid)
			res.DebtReduction.Add(res.DebtReduction, paid)
		}
	}

	if !remaining.IsZero() && !p.Balance.IsZero() {
		paid := fpmath.Min(remaining, p.Balance)
		next, err := c.repay(env, p, paid)
		if err != nil {
			return err
		}
		p = next
		remaining.Sub(remaining, paid)
		res.DebtReduction.Add(res.DebtReduction, paid)
	}
	if remaining.IsZero() {
		return nil
	}
	return c.applySurplus(env, p, remaining, minPayout, res)
}

func (c *Core) applySurplus(env *state.Env, p *Position, surplus, minPayout *uint256.Int, res *ClaimResult) error {
	self := c.self(env)
	asset := c.Asset()
	switch p.ZeroBalanceOption {
	case InvestToVault:
		fee := fpmath.ApplyBps(surplus, c.params.ZeroBalanceFee)
		if err := self.Transfer(c.feeRecipient, asset, fee, ledger.JournalTypeProtocolFee); err != nil {
			return err
		}
		rest := new(uint256.Int).Sub(surplus, fee)
		if !rest.IsZero() {
			if _, err := c.vault.Deposit(self, rest, p.Borrower); err != nil {
				return fmt.Errorf("reinvest surplus: %w", err)
			}
		}
		res.ToProtocol.Add(res.ToProtocol, fee)
		res.Reinvested.Add(res.Reinvested, rest)

	case PayToOwner:
		fee := fpmath.ApplyBps(surplus, c.params.ProtocolFee)
		if err := self.Transfer(c.feeRecipient, asset, fee, ledger.JournalTypeProtocolFee); err != nil {
			return err
		}
		rest := new(uint256.Int).Sub(surplus, fee)
		if err := c.payOwner(env, p, rest, minPayout); err != nil {
			return err
		}
		res.ToProtocol.Add(res.ToProtocol, fee)
		res.ToOwner.Add(res.ToOwner, rest)

	default:
		next := p.clone()
		next.Retained.Add(next.Retained, surplus)
		c.put(env, next)
		res.Retained.Add(res.Retained, surplus)
	}
	return nil
}

// payOwner sends amount to the borrower, converted to the preferred token
// when one is set.
func (c *Core) payOwner(env *state.Env, p *Position, amount, minOut *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	self := c.self(env)
	asset := c.Asset()
	preferred := p.PreferredToken
	if preferred == (common.Address{}) || preferred == asset || !c.approvedTokens[preferred] || c.swapper == nil {
		return self.Transfer(p.Borrower, asset, amount, ledger.JournalTypeSurplusPayout)
	}

	data, err := swap.EncodeOrders([]swap.Order{{
		TokenIn:  asset,
		TokenOut: preferred,
		AmountIn: amount,
		MinOut:   fpmath.OrZero(minOut),
	}})
	if err != nil {
		return err
	}
	before := env.BalanceOf(c.address, preferred)
	self.Approve(c.swapper.Address(), asset, amount)
	if err := c.swapper.Execute(self, data); err != nil {
		return fmt.Errorf("swap payout: %w", err)
	}
	self.Approve(c.swapper.Address(), asset, new(uint256.Int))
	out := fpmath.SaturatingSub(env.BalanceOf(c.address, preferred), before)
	if minOut != nil && out.Lt(minOut) {
		return fmt.Errorf("%w: payout %s below %s", ErrSlippage, out.Dec(), minOut.Dec())
	}
	return self.Transfer(p.Borrower, preferred, out, ledger.JournalTypeSurplusPayout)
}

// topUp draws IncreasePercentage of the remaining capacity for positions
// that opted in.
func (c *Core) topUp(env *state.Env, ref CollateralRef, res *ClaimResult) error {
	p := c.positions[ref.Key()]
	if !p.TopUp || p.IncreasePercentage == 0 {
		return nil
	}
	limit, _ := c.GetMaxLoan(env, ref)
	draw := fpmath.ApplyBps(limit, p.IncreasePercentage)
	if draw.IsZero() || draw.Lt(uint256.NewInt(c.params.MinLoan)) {
		return nil
	}
	if err := c.originate(env, ref, draw, p.Borrower); err != nil {
		return fmt.Errorf("top up: %w", err)
	}
	res.ToppedUp = draw
	env.Emit(c.address, "LoanToppedUp", map[string]string{
		"ref":    ref.Key(),
		"amount": draw.Dec(),
		"epoch":  strconv.FormatUint(env.Epoch(), 10),
	})
	return nil
}
