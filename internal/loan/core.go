package loan

import (
	"sort"

	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config is the static identity and role assignment of a market.
type Config struct {
	Address          common.Address
	Owner            common.Address
	Proposer         common.Address
	AuthorizedCaller common.Address
	FeeRecipient     common.Address
	// AccountKeyed markets key positions by portfolio account instead of
	// token id.
	AccountKeyed   bool
	Implementation common.Address
	Params         Params
}

// Deps are the collaborators a market calls into.
type Deps struct {
	Vault     Lender
	Valuer    CollateralValuer
	Custodian Custodian
	Router    RewardsRouter
	Swapper   SwapExecutor
	Peers     PeerResolver
	Factory   PortfolioFactory
	Receivers FlashReceivers
}

// Core is one loan market: per-position debt against veNFT collateral,
// drawn from a single vault.
type Core struct {
	address      common.Address
	accountKeyed bool

	vault     Lender
	valuer    CollateralValuer
	custodian Custodian
	router    RewardsRouter
	swapper   SwapExecutor
	peers     PeerResolver
	factory   PortfolioFactory
	receivers FlashReceivers

	owner            common.Address
	proposer         common.Address
	authorizedCaller common.Address
	feeRecipient     common.Address
	accountStorage   common.Address
	params           Params

	approvedTokens    map[common.Address]bool
	approvedPools     map[common.Address]bool
	approvedContracts map[common.Address]bool
	defaultPools      []common.Address
	defaultWeights    []uint64

	positions       map[string]*Position
	tokenIndex      map[uint64]string
	payoff          map[common.Address]string
	rewardsPerEpoch map[uint64]*uint256.Int

	implementation  common.Address
	pending         *UpgradeProposal
	implementations map[common.Address]Implementation

	entered bool
	touched map[string]struct{}
}

func New(cfg Config, deps Deps) (*Core, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) || deps.Vault == nil {
		return nil, ErrZeroAddress
	}
	c := &Core{
		address:           cfg.Address,
		accountKeyed:      cfg.AccountKeyed,
		vault:             deps.Vault,
		valuer:            deps.Valuer,
		custodian:         deps.Custodian,
		router:            deps.Router,
		swapper:           deps.Swapper,
		peers:             deps.Peers,
		factory:           deps.Factory,
		receivers:         deps.Receivers,
		owner:             cfg.Owner,
		proposer:          cfg.Proposer,
		authorizedCaller:  cfg.AuthorizedCaller,
		feeRecipient:      cfg.FeeRecipient,
		params:            cfg.Params,
		approvedTokens:    map[common.Address]bool{deps.Vault.Asset(): true},
		approvedPools:     make(map[common.Address]bool),
		approvedContracts: make(map[common.Address]bool),
		positions:         make(map[string]*Position),
		tokenIndex:        make(map[uint64]string),
		payoff:            make(map[common.Address]string),
		rewardsPerEpoch:   make(map[uint64]*uint256.Int),
		implementation:    cfg.Implementation,
		implementations:   make(map[common.Address]Implementation),
		touched:           make(map[string]struct{}),
	}
	return c, nil
}

func (c *Core) Address() common.Address { return c.address }
func (c *Core) Asset() common.Address   { return c.vault.Asset() }
func (c *Core) Vault() Lender           { return c.vault }
func (c *Core) AccountKeyed() bool      { return c.accountKeyed }
func (c *Core) Owner() common.Address   { return c.owner }
func (c *Core) Params() Params          { return c.params }

func (c *Core) Implementation() common.Address { return c.implementation }

// SetPeers wires sibling market resolution after all markets exist.
func (c *Core) SetPeers(p PeerResolver) { c.peers = p }

// SetFlashReceivers wires receiver resolution for flash loans.
func (c *Core) SetFlashReceivers(r FlashReceivers) { c.receivers = r }

// Position returns a copy of the position for ref.
func (c *Core) Position(ref CollateralRef) (*Position, bool) {
	p, ok := c.positions[ref.Key()]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// PositionByToken finds the position backed by tokenID.
func (c *Core) PositionByToken(tokenID uint64) (*Position, bool) {
	key, ok := c.tokenIndex[tokenID]
	if !ok {
		return nil, false
	}
	return c.positions[key].clone(), true
}

func (c *Core) PositionCount() int { return len(c.positions) }

// Positions returns copies of all positions ordered by key.
func (c *Core) Positions() []*Position {
	keys := make([]string, 0, len(c.positions))
	for k := range c.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Position, len(keys))
	for i, k := range keys {
		out[i] = c.positions[k].clone()
	}
	return out
}

// GetLoanDetails returns the balance and borrower of ref. A missing
// position reports zero balance and the zero address.
func (c *Core) GetLoanDetails(ref CollateralRef) (*uint256.Int, common.Address) {
	p, ok := c.positions[ref.Key()]
	if !ok {
		return new(uint256.Int), common.Address{}
	}
	return p.Balance.Clone(), p.Borrower
}

// Details is the full public view of ref.
func (c *Core) Details(ref CollateralRef) (LoanDetails, error) {
	p, ok := c.positions[ref.Key()]
	if !ok {
		return LoanDetails{}, ErrLoanNotFound
	}
	return LoanDetails{
		Ref:         p.Ref,
		Balance:     p.Balance.Clone(),
		Borrower:    p.Borrower,
		UnpaidFees:  p.UnpaidFees.Clone(),
		Retained:    p.Retained.Clone(),
		Tokens:      append([]uint64(nil), p.Tokens...),
		PayoffToken: c.payoff[p.Borrower] == p.Ref.Key(),
	}, nil
}

// RewardsPerEpoch is the principal collected in the epoch starting at epoch.
func (c *Core) RewardsPerEpoch(epoch uint64) *uint256.Int {
	return fpmath.OrZero(c.rewardsPerEpoch[epoch]).Clone()
}

// DrainTouched returns the refs mutated since the last drain.
func (c *Core) DrainTouched() []string {
	out := make([]string, 0, len(c.touched))
	for k := range c.touched {
		out = append(out, k)
	}
	sort.Strings(out)
	c.touched = make(map[string]struct{})
	return out
}

// PositionByKey resolves a key returned by DrainTouched.
func (c *Core) PositionByKey(key string) (*Position, bool) {
	p, ok := c.positions[key]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

func (c *Core) lookup(ref CollateralRef) (*Position, error) {
	p, ok := c.positions[ref.Key()]
	if !ok || p.Borrower == (common.Address{}) {
		return nil, ErrLoanNotFound
	}
	return p, nil
}

// put stores a new version of p. Positions are never mutated in place.
func (c *Core) put(env *state.Env, p *Position) {
	key := p.Ref.Key()
	state.SetKey(env.Journal(), c.positions, key, p)
	for _, id := range p.Tokens {
		if c.tokenIndex[id] != key {
			state.SetKey(env.Journal(), c.tokenIndex, id, key)
		}
	}
	c.touch(env, key)
}

// touch marks key for the projection feed. The mark is journaled so a
// reverted entry point leaves nothing behind.
func (c *Core) touch(env *state.Env, key string) {
	if _, ok := c.touched[key]; ok {
		return
	}
	state.SetKey(env.Journal(), c.touched, key, struct{}{})
}

func (c *Core) remove(env *state.Env, p *Position) {
	key := p.Ref.Key()
	state.DeleteKey(env.Journal(), c.positions, key)
	for _, id := range p.Tokens {
		if c.tokenIndex[id] == key {
			state.DeleteKey(env.Journal(), c.tokenIndex, id)
		}
	}
	if c.payoff[p.Borrower] == key {
		state.DeleteKey(env.Journal(), c.payoff, p.Borrower)
	}
	c.touch(env, key)
}

// enter guards a mutating entry point against re-entry and makes it
// atomic: when the entry point returns an error, everything it changed is
// reverted before the error reaches the caller.
//
//	done, err := c.enter(env)
//	if err != nil {
//		return err
//	}
//	defer done(&err)
func (c *Core) enter(env *state.Env) (func(*error), error) {
	if c.entered {
		return nil, ErrReentrant
	}
	c.entered = true
	snap := env.Journal().Snapshot()
	return func(err *error) {
		c.entered = false
		if *err != nil {
			env.Journal().RevertToSnapshot(snap)
		}
	}, nil
}

func (c *Core) self(env *state.Env) *state.Env { return env.As(c.address) }

func (c *Core) addRewards(env *state.Env, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	epoch := env.Epoch()
	state.SetKey(env.Journal(), c.rewardsPerEpoch, epoch, new(uint256.Int).Add(fpmath.OrZero(c.rewardsPerEpoch[epoch]), amount))
}
