package loan

import (
	"fmt"

	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// FlashCallbackSuccess is the value OnFlashLoan must return.
var FlashCallbackSuccess = crypto.Keccak256Hash([]byte("ERC3156FlashBorrower.onFlashLoan"))

// MaxFlashLoan is the vault's idle balance for the market asset, 0 for
// anything else.
func (c *Core) MaxFlashLoan(env *state.Env, asset common.Address) *uint256.Int {
	if asset != c.Asset() {
		return new(uint256.Int)
	}
	return c.vault.Idle(env)
}

func (c *Core) FlashFee(asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if asset != c.Asset() {
		return nil, ErrUnsupportedToken
	}
	return fpmath.ApplyBps(amount, c.params.FlashFee), nil
}

// FlashLoan lends amount of idle vault liquidity to receiver for the
// duration of its OnFlashLoan callback, then pulls amount plus fee from the
// receiver's allowance back into the vault. The fee is vault yield.
func (c *Core) FlashLoan(env *state.Env, receiver, asset common.Address, amount *uint256.Int, data []byte) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	fee, err := c.FlashFee(asset, amount)
	if err != nil {
		return err
	}
	if amount.Gt(c.MaxFlashLoan(env, asset)) {
		return ErrExceededMaxLoan
	}
	var borrower FlashBorrower
	if c.receivers != nil {
		borrower, _ = c.receivers.Receiver(receiver)
	}
	if borrower == nil {
		return ErrInvalidFlashLoanReceiver
	}

	self := c.self(env)
	if err := c.vault.FlashSend(self, receiver, amount); err != nil {
		return fmt.Errorf("flash send: %w", err)
	}
	ret, err := borrower.OnFlashLoan(env.As(receiver), env.Sender, asset, amount, fee, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFlashLoanReceiver, err)
	}
	if ret != FlashCallbackSuccess {
		return ErrInvalidFlashLoanReceiver
	}

	owed := new(uint256.Int).Add(amount, fee)
	if env.Allowance(receiver, c.address, asset).Lt(owed) {
		return ErrInsufficientAllowance
	}
	if err := self.TransferFrom(receiver, c.vault.Address(), asset, owed, ledger.JournalTypeFlashRepay); err != nil {
		return fmt.Errorf("flash repay: %w", err)
	}
	if err := c.vault.NotifyYield(self, fee); err != nil {
		return err
	}
	c.addRewards(env, fee)
	env.Emit(c.address, "FlashLoan", map[string]string{
		"receiver": receiver.Hex(),
		"amount":   amount.Dec(),
		"fee":      fee.Dec(),
	})
	return nil
}

// ReceiverSet resolves flash receivers from a static map.
type ReceiverSet map[common.Address]FlashBorrower

func (s ReceiverSet) Receiver(addr common.Address) (FlashBorrower, bool) {
	b, ok := s[addr]
	return b, ok
}

// RepayingBorrower approves repayment of principal plus fee out of its own
// balance. Hook, when set, runs with the borrowed funds first.
type RepayingBorrower struct {
	Lender common.Address
	Hook   func(env *state.Env, token common.Address, amount *uint256.Int) error
}

func (b RepayingBorrower) OnFlashLoan(env *state.Env, initiator, token common.Address, amount, fee *uint256.Int, data []byte) (common.Hash, error) {
	if b.Hook != nil {
		if err := b.Hook(env, token, amount); err != nil {
			return common.Hash{}, err
		}
	}
	env.Approve(b.Lender, token, new(uint256.Int).Add(amount, fee))
	return FlashCallbackSuccess, nil
}
