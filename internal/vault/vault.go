package vault

import (
	"errors"
	"sort"

	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount            = errors.New("vault: zero amount")
	ErrZeroShares            = errors.New("vault: zero shares")
	ErrExceededMaxWithdraw   = errors.New("vault: withdraw exceeds max")
	ErrExceededMaxRedeem     = errors.New("vault: redeem exceeds max")
	ErrUnauthorizedLender    = errors.New("vault: caller is not an authorized loan market")
	ErrInsufficientLiquidity = errors.New("vault: insufficient idle liquidity")
)

// Vault is an ERC-4626 style pool of one underlying asset. Shares are a
// ledger asset addressed by the vault itself. Idle assets sit in the vault's
// own balance; outstanding principal is out with borrowers.
//
//	totalAssets = idle + outstanding - epochRewardsLocked
//
// Yield recognized in an epoch unlocks linearly until the next epoch.
type Vault struct {
	address      common.Address
	asset        common.Address
	lenders      map[common.Address]bool
	totalSupply  *uint256.Int
	outstanding  *uint256.Int
	epochRewards map[uint64]*uint256.Int
}

func New(address, asset common.Address) *Vault {
	return &Vault{
		address:      address,
		asset:        asset,
		lenders:      make(map[common.Address]bool),
		totalSupply:  new(uint256.Int),
		outstanding:  new(uint256.Int),
		epochRewards: make(map[uint64]*uint256.Int),
	}
}

func (v *Vault) Address() common.Address { return v.address }
func (v *Vault) Asset() common.Address   { return v.asset }

// AuthorizeLender allows a loan market to draw on the vault.
func (v *Vault) AuthorizeLender(env *state.Env, market common.Address, allowed bool) {
	if allowed {
		state.SetKey(env.Journal(), v.lenders, market, true)
		return
	}
	state.DeleteKey(env.Journal(), v.lenders, market)
}

func (v *Vault) IsLender(market common.Address) bool {
	return v.lenders[market]
}

func (v *Vault) Idle(env *state.Env) *uint256.Int {
	return env.BalanceOf(v.address, v.asset)
}

func (v *Vault) Outstanding() *uint256.Int {
	return v.outstanding.Clone()
}

func (v *Vault) TotalSupply() *uint256.Int {
	return v.totalSupply.Clone()
}

func (v *Vault) SharesOf(env *state.Env, holder common.Address) *uint256.Int {
	return env.BalanceOf(holder, v.address)
}

// EpochRewards returns the yield recognized in the epoch starting at epoch.
func (v *Vault) EpochRewards(epoch uint64) *uint256.Int {
	return fpmath.OrZero(v.epochRewards[epoch]).Clone()
}

// EpochRewardsLocked is the still-vesting part of this epoch's yield.
func (v *Vault) EpochRewardsLocked(ts uint64) *uint256.Int {
	rewards := v.epochRewards[fpmath.EpochStart(ts)]
	if rewards == nil || rewards.IsZero() {
		return new(uint256.Int)
	}
	remaining := fpmath.EpochNext(ts) - ts
	locked, err := fpmath.MulDiv(rewards, uint256.NewInt(remaining), uint256.NewInt(fpmath.Week), fpmath.RoundDown)
	if err != nil {
		return new(uint256.Int)
	}
	return locked
}

func (v *Vault) TotalAssets(env *state.Env) *uint256.Int {
	gross := new(uint256.Int).Add(v.Idle(env), v.outstanding)
	return fpmath.SaturatingSub(gross, v.EpochRewardsLocked(env.Time))
}

func (v *Vault) convertToShares(env *state.Env, assets *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	supply := new(uint256.Int).AddUint64(v.totalSupply, 1)
	total := new(uint256.Int).AddUint64(v.TotalAssets(env), 1)
	return fpmath.MulDiv(assets, supply, total, mode)
}

func (v *Vault) convertToAssets(env *state.Env, shares *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	supply := new(uint256.Int).AddUint64(v.totalSupply, 1)
	total := new(uint256.Int).AddUint64(v.TotalAssets(env), 1)
	return fpmath.MulDiv(shares, total, supply, mode)
}

func (v *Vault) ConvertToShares(env *state.Env, assets *uint256.Int) (*uint256.Int, error) {
	return v.convertToShares(env, assets, fpmath.RoundDown)
}

func (v *Vault) ConvertToAssets(env *state.Env, shares *uint256.Int) (*uint256.Int, error) {
	return v.convertToAssets(env, shares, fpmath.RoundDown)
}

func (v *Vault) PreviewDeposit(env *state.Env, assets *uint256.Int) (*uint256.Int, error) {
	return v.convertToShares(env, assets, fpmath.RoundDown)
}

func (v *Vault) PreviewMint(env *state.Env, shares *uint256.Int) (*uint256.Int, error) {
	return v.convertToAssets(env, shares, fpmath.RoundUp)
}

func (v *Vault) PreviewWithdraw(env *state.Env, assets *uint256.Int) (*uint256.Int, error) {
	return v.convertToShares(env, assets, fpmath.RoundUp)
}

func (v *Vault) PreviewRedeem(env *state.Env, shares *uint256.Int) (*uint256.Int, error) {
	return v.convertToAssets(env, shares, fpmath.RoundDown)
}

// MaxWithdraw is bounded by the owner's shares and by idle liquidity.
func (v *Vault) MaxWithdraw(env *state.Env, owner common.Address) *uint256.Int {
	assets, err := v.convertToAssets(env, v.SharesOf(env, owner), fpmath.RoundDown)
	if err != nil {
		return new(uint256.Int)
	}
	return fpmath.Min(assets, v.Idle(env))
}

func (v *Vault) MaxRedeem(env *state.Env, owner common.Address) *uint256.Int {
	shares := v.SharesOf(env, owner)
	idleShares, err := v.convertToShares(env, v.Idle(env), fpmath.RoundDown)
	if err != nil {
		return new(uint256.Int)
	}
	return fpmath.Min(shares, idleShares)
}

// Deposit pulls assets from the caller and mints shares to receiver.
func (v *Vault) Deposit(env *state.Env, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroAmount
	}
	shares, err := v.PreviewDeposit(env, assets)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, ErrZeroShares
	}
	if err := v.deposit(env, assets, shares, receiver); err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint pulls whatever assets shares cost and mints them to receiver.
func (v *Vault) Mint(env *state.Env, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, ErrZeroShares
	}
	assets, err := v.PreviewMint(env, shares)
	if err != nil {
		return nil, err
	}
	if err := v.deposit(env, assets, shares, receiver); err != nil {
		return nil, err
	}
	return assets, nil
}

func (v *Vault) deposit(env *state.Env, assets, shares *uint256.Int, receiver common.Address) error {
	if err := env.TransferFrom(env.Sender, v.address, v.asset, assets, ledger.JournalTypeVaultDeposit); err != nil {
		return err
	}
	if err := env.Mint(receiver, v.address, shares, ledger.JournalTypeShareMint); err != nil {
		return err
	}
	state.Set(env.Journal(), &v.totalSupply, new(uint256.Int).Add(v.totalSupply, shares))
	env.Emit(v.address, "Deposit", map[string]string{
		"sender":   env.Sender.Hex(),
		"receiver": receiver.Hex(),
		"assets":   assets.Dec(),
		"shares":   shares.Dec(),
	})
	return nil
}

// Withdraw burns the shares needed to send exactly assets to receiver.
func (v *Vault) Withdraw(env *state.Env, assets *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroAmount
	}
	if assets.Gt(v.MaxWithdraw(env, owner)) {
		return nil, ErrExceededMaxWithdraw
	}
	shares, err := v.PreviewWithdraw(env, assets)
	if err != nil {
		return nil, err
	}
	if err := v.withdraw(env, assets, shares, receiver, owner); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns shares and sends what they are worth to receiver.
func (v *Vault) Redeem(env *state.Env, shares *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, ErrZeroShares
	}
	if shares.Gt(v.MaxRedeem(env, owner)) {
		return nil, ErrExceededMaxRedeem
	}
	assets, err := v.PreviewRedeem(env, shares)
	if err != nil {
		return nil, err
	}
	if assets.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := v.withdraw(env, assets, shares, receiver, owner); err != nil {
		return nil, err
	}
	return assets, nil
}

func (v *Vault) withdraw(env *state.Env, assets, shares *uint256.Int, receiver, owner common.Address) error {
	if env.Sender != owner {
		// Spend the share allowance by moving the shares to the vault first.
		if err := env.TransferFrom(owner, v.address, v.address, shares, ledger.JournalTypeShareBurn); err != nil {
			return err
		}
		owner = v.address
	}
	if err := env.Burn(owner, v.address, shares, ledger.JournalTypeShareBurn); err != nil {
		return err
	}
	state.Set(env.Journal(), &v.totalSupply, new(uint256.Int).Sub(v.totalSupply, shares))
	if err := env.As(v.address).Transfer(receiver, v.asset, assets, ledger.JournalTypeVaultWithdrawal); err != nil {
		return err
	}
	env.Emit(v.address, "Withdraw", map[string]string{
		"sender":   env.Sender.Hex(),
		"receiver": receiver.Hex(),
		"assets":   assets.Dec(),
		"shares":   shares.Dec(),
	})
	return nil
}

// Lend sends principal to a borrower on behalf of an authorized market.
func (v *Vault) Lend(env *state.Env, to common.Address, amount *uint256.Int) error {
	if !v.lenders[env.Sender] {
		return ErrUnauthorizedLender
	}
	if v.Idle(env).Lt(amount) {
		return ErrInsufficientLiquidity
	}
	if err := env.As(v.address).Transfer(to, v.asset, amount, ledger.JournalTypeLoanOrigination); err != nil {
		return err
	}
	state.Set(env.Journal(), &v.outstanding, new(uint256.Int).Add(v.outstanding, amount))
	return nil
}

// Repay books principal the market has already moved into the vault.
func (v *Vault) Repay(env *state.Env, amount *uint256.Int) error {
	if !v.lenders[env.Sender] {
		return ErrUnauthorizedLender
	}
	state.Set(env.Journal(), &v.outstanding, fpmath.SaturatingSub(v.outstanding, amount))
	return nil
}

// NotifyYield books yield the market has already moved into the vault. It
// vests over the rest of the current epoch.
func (v *Vault) NotifyYield(env *state.Env, amount *uint256.Int) error {
	if !v.lenders[env.Sender] {
		return ErrUnauthorizedLender
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	epoch := env.Epoch()
	state.SetKey(env.Journal(), v.epochRewards, epoch, new(uint256.Int).Add(fpmath.OrZero(v.epochRewards[epoch]), amount))
	return nil
}

// FlashSend lends idle liquidity for the duration of one call. The market
// is responsible for pulling it back before the transition ends.
func (v *Vault) FlashSend(env *state.Env, to common.Address, amount *uint256.Int) error {
	if !v.lenders[env.Sender] {
		return ErrUnauthorizedLender
	}
	if v.Idle(env).Lt(amount) {
		return ErrInsufficientLiquidity
	}
	return env.As(v.address).Transfer(to, v.asset, amount, ledger.JournalTypeFlashLoan)
}

// Snapshot is the serializable state of the vault. Share balances live in
// the ledger.
type Snapshot struct {
	Lenders      []common.Address        `json:"lenders"`
	TotalSupply  *uint256.Int            `json:"total_supply"`
	Outstanding  *uint256.Int            `json:"outstanding"`
	EpochRewards map[uint64]*uint256.Int `json:"epoch_rewards"`
}

func (v *Vault) Snapshot() Snapshot {
	snap := Snapshot{
		TotalSupply:  v.totalSupply.Clone(),
		Outstanding:  v.outstanding.Clone(),
		EpochRewards: make(map[uint64]*uint256.Int, len(v.epochRewards)),
	}
	for l := range v.lenders {
		snap.Lenders = append(snap.Lenders, l)
	}
	sort.Slice(snap.Lenders, func(i, j int) bool { return snap.Lenders[i].Cmp(snap.Lenders[j]) < 0 })
	for e, r := range v.epochRewards {
		snap.EpochRewards[e] = r.Clone()
	}
	return snap
}

func (v *Vault) Restore(snap Snapshot) {
	v.lenders = make(map[common.Address]bool, len(snap.Lenders))
	for _, l := range snap.Lenders {
		v.lenders[l] = true
	}
	v.totalSupply = fpmath.OrZero(snap.TotalSupply).Clone()
	v.outstanding = fpmath.OrZero(snap.Outstanding).Clone()
	v.epochRewards = make(map[uint64]*uint256.Int, len(snap.EpochRewards))
	for e, r := range snap.EpochRewards {
		v.epochRewards[e] = r.Clone()
	}
}
