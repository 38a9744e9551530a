package core

import (
	"fmt"
	"sort"
	"time"

	"FortyAcres/internal/community"
	"FortyAcres/internal/config"
	"FortyAcres/internal/escrow"
	"FortyAcres/internal/ledger"
	"FortyAcres/internal/loan"
	"FortyAcres/internal/market"
	"FortyAcres/internal/portfolio"
	"FortyAcres/internal/rewards"
	"FortyAcres/internal/state"
	"FortyAcres/internal/swap"
	"FortyAcres/internal/vault"

	"github.com/ethereum/go-ethereum/common"
)

// genesisTime is the block time of the genesis transition. It only stamps
// setup logs, so it is fixed for every deployment.
var genesisTime = time.Unix(0, 0).UTC()

// loanMarkets resolves loan markets by address for peers, the secondary
// market and portfolio handlers.
type loanMarkets map[common.Address]*loan.Core

func (m loanMarkets) Market(addr common.Address) (*loan.Core, bool) {
	c, ok := m[addr]
	return c, ok
}

// World hosts every contract declared in genesis on one token store.
// Not thread-safe: owned by the deterministic core.
type World struct {
	store *state.Store

	escrow    *escrow.VotingEscrow
	voter     *rewards.Voter
	swap      *swap.Router
	vaults    map[common.Address]*vault.Vault
	loans     loanMarkets
	factory   *portfolio.Factory
	market    *market.Market
	community map[common.Address]*community.Ledger
}

// NewWorld deploys the contracts of g inside a genesis transition and
// commits it to the store's tracker.
func NewWorld(store *state.Store, g config.Genesis) (*World, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	w := &World{
		store:     store,
		vaults:    make(map[common.Address]*vault.Vault, len(g.Vaults)),
		loans:     make(loanMarkets, len(g.Loans)),
		community: make(map[common.Address]*community.Ledger, len(g.Community)),
	}
	registerAssets(g)

	env, err := store.Begin("genesis", 0, genesisTime)
	if err != nil {
		return nil, err
	}
	if err := w.deploy(env, g); err != nil {
		store.Rollback()
		return nil, fmt.Errorf("genesis: %w", err)
	}
	batch, _, err := store.Commit()
	if err != nil {
		return nil, err
	}
	if err := store.Tracker().ApplyBatch(batch); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	w.drainTouched()
	return w, nil
}

func registerAssets(g config.Genesis) {
	for _, a := range g.Assets {
		ledger.RegisterAsset(a.Address, a.Symbol, a.Decimals)
	}
	for _, v := range g.Vaults {
		info, _ := ledger.GetAsset(v.Asset)
		symbol := "fa" + info.Symbol
		if owner, taken := ledger.GetAssetBySymbol(symbol); (taken && owner != v.Address) || info.Symbol == "" {
			symbol = "fa-" + v.Address.Hex()[2:10]
		}
		ledger.RegisterAsset(v.Address, symbol, info.Decimals)
	}
}

func (w *World) deploy(env *state.Env, g config.Genesis) error {
	if g.Escrow.Address != (common.Address{}) {
		w.escrow = escrow.New(g.Escrow.Address, g.Escrow.Token)
	}
	if g.Voter.Address != (common.Address{}) && w.escrow != nil {
		w.voter = rewards.NewVoter(g.Voter.Address, w.escrow)
		w.escrow.SetVoter(g.Voter.Address)
		for _, p := range g.Voter.Pools {
			w.voter.AddPool(rewards.Pool{Address: p.Address, Fees: p.Fees, Bribes: p.Bribes})
		}
	}
	if g.Swap.Address != (common.Address{}) {
		w.swap = swap.NewRouter(g.Swap.Address, g.Swap.Admin)
		admin := env.As(g.Swap.Admin)
		for _, r := range g.Swap.Rates {
			if err := w.swap.SetRate(admin, r.TokenIn, r.TokenOut, r.RateWad); err != nil {
				return fmt.Errorf("swap rate %s/%s: %w", r.TokenIn.Hex(), r.TokenOut.Hex(), err)
			}
		}
	}
	for _, v := range g.Vaults {
		w.vaults[v.Address] = vault.New(v.Address, v.Asset)
	}
	if g.Portfolio.Address != (common.Address{}) {
		reg := portfolio.NewRegistry()
		if err := portfolio.RegisterLoanHandlers(reg, w.loans, w.escrow); err != nil {
			return err
		}
		w.factory = portfolio.NewFactory(g.Portfolio.Address, reg)
	}

	for _, lm := range g.Loans {
		c, err := w.deployLoan(env, lm, g)
		if err != nil {
			return fmt.Errorf("loan market %s: %w", lm.Address.Hex(), err)
		}
		w.loans[lm.Address] = c
		w.vaults[lm.Vault].AuthorizeLender(env, lm.Address, true)
	}

	if g.Market.Address != (common.Address{}) {
		m, err := market.New(g.Market.Address, g.Market.Owner, g.Market.FeeRecipient, g.Market.FeeBps, w.loans)
		if err != nil {
			return fmt.Errorf("market: %w", err)
		}
		for _, t := range g.Market.PaymentTokens {
			if err := m.SetPaymentToken(env.As(g.Market.Owner), t, true); err != nil {
				return fmt.Errorf("market: %w", err)
			}
		}
		w.market = m
	}
	for _, c := range g.Community {
		w.community[c.Address] = community.New(c.Address, c.ManagedToken, c.Authority)
	}
	return nil
}

func (w *World) deployLoan(env *state.Env, lm config.LoanMarket, g config.Genesis) (*loan.Core, error) {
	deps := loan.Deps{
		Vault:     w.vaults[lm.Vault],
		Valuer:    w.escrow,
		Custodian: w.escrow,
		Router:    w.voter,
		Peers:     w.loans,
	}
	if w.swap != nil {
		deps.Swapper = w.swap
	}
	if w.factory != nil {
		deps.Factory = w.factory
	}
	receivers := make(loan.ReceiverSet, len(g.FlashReceivers))
	for _, r := range g.FlashReceivers {
		receivers[r.Address] = loan.RepayingBorrower{Lender: lm.Address}
	}
	deps.Receivers = receivers

	c, err := loan.New(loan.Config{
		Address:          lm.Address,
		Owner:            lm.Owner,
		Proposer:         lm.Proposer,
		AuthorizedCaller: lm.AuthorizedCaller,
		FeeRecipient:     lm.FeeRecipient,
		AccountKeyed:     lm.AccountKeyed,
		Implementation:   lm.Implementation,
		Params:           *lm.Params,
	}, deps)
	if err != nil {
		return nil, err
	}
	for _, impl := range g.Implementations {
		var hook loan.MigrationHook
		if impl.Hook == "params_migration" {
			hook = loan.ParamsMigration
		}
		c.RegisterImplementation(loan.Implementation{Address: impl.Address, Version: impl.Version, Migrate: hook})
	}

	owner := env.As(lm.Owner)
	if len(lm.ApprovedPools) > 0 {
		if err := c.SetApprovedPools(owner, lm.ApprovedPools, true); err != nil {
			return nil, err
		}
	}
	for _, t := range lm.ApprovedTokens {
		if err := c.SetApprovedToken(owner, t, true); err != nil {
			return nil, err
		}
	}
	for _, a := range lm.ApprovedContracts {
		if err := c.SetApprovedContract(owner, a, true); err != nil {
			return nil, err
		}
	}
	if len(lm.DefaultPools) > 0 {
		if err := c.SetDefaultVote(owner, lm.DefaultPools, lm.DefaultWeights); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoanMarket returns the loan market at addr.
func (w *World) LoanMarket(addr common.Address) (*loan.Core, bool) {
	return w.loans.Market(addr)
}

// LoanMarkets lists loan markets sorted by address.
func (w *World) LoanMarkets() []*loan.Core {
	out := make([]*loan.Core, 0, len(w.loans))
	for _, c := range w.loans {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address().Cmp(out[j].Address()) < 0 })
	return out
}

func (w *World) Vault(addr common.Address) (*vault.Vault, bool) {
	v, ok := w.vaults[addr]
	return v, ok
}

func (w *World) Escrow() *escrow.VotingEscrow { return w.escrow }
func (w *World) Voter() *rewards.Voter        { return w.voter }
func (w *World) Factory() *portfolio.Factory  { return w.factory }
func (w *World) Market() *market.Market       { return w.market }

// Community returns the community rewards ledger at addr.
func (w *World) Community(addr common.Address) (*community.Ledger, bool) {
	l, ok := w.community[addr]
	return l, ok
}

// View is a read-only env over committed state at ts.
func (w *World) View(ts uint64) *state.Env { return w.store.View(ts) }

// PositionChange is the current state of a touched position. Position is
// nil once the position is closed.
type PositionChange struct {
	Market   common.Address `json:"market"`
	Key      string         `json:"key"`
	Position *loan.Position `json:"position,omitempty"`
}

// drainTouched collects the positions changed by the last transition in a
// stable order.
func (w *World) drainTouched() []PositionChange {
	var out []PositionChange
	for _, c := range w.LoanMarkets() {
		for _, key := range c.DrainTouched() {
			ch := PositionChange{Market: c.Address(), Key: key}
			if p, ok := c.PositionByKey(key); ok {
				ch.Position = p
			}
			out = append(out, ch)
		}
	}
	return out
}

// WorldSnapshot is the serializable contract state. Balances are held by
// the ledger tracker and snapshotted with it.
type WorldSnapshot struct {
	Allowances []state.Allowance                     `json:"allowances"`
	Escrow     *escrow.Snapshot                      `json:"escrow,omitempty"`
	Voter      *rewards.Snapshot                     `json:"voter,omitempty"`
	SwapRates  []swap.Rate                           `json:"swap_rates,omitempty"`
	Vaults     map[common.Address]vault.Snapshot     `json:"vaults"`
	Loans      map[common.Address]loan.Snapshot      `json:"loans"`
	Accounts   []portfolio.Account                   `json:"accounts,omitempty"`
	Market     *market.Snapshot                      `json:"market,omitempty"`
	Community  map[common.Address]community.Snapshot `json:"community,omitempty"`
}

func (w *World) Snapshot() *WorldSnapshot {
	snap := &WorldSnapshot{
		Allowances: w.store.Allowances(),
		Vaults:     make(map[common.Address]vault.Snapshot, len(w.vaults)),
		Loans:      make(map[common.Address]loan.Snapshot, len(w.loans)),
		Community:  make(map[common.Address]community.Snapshot, len(w.community)),
	}
	if w.escrow != nil {
		s := w.escrow.Snapshot()
		snap.Escrow = &s
	}
	if w.voter != nil {
		s := w.voter.Snapshot()
		snap.Voter = &s
	}
	if w.swap != nil {
		snap.SwapRates = w.swap.Snapshot()
	}
	for addr, v := range w.vaults {
		snap.Vaults[addr] = v.Snapshot()
	}
	for addr, c := range w.loans {
		snap.Loans[addr] = c.Snapshot()
	}
	if w.factory != nil {
		snap.Accounts = w.factory.Accounts()
	}
	if w.market != nil {
		s := w.market.Snapshot()
		snap.Market = &s
	}
	for addr, l := range w.community {
		snap.Community[addr] = l.Snapshot()
	}
	return snap
}

// Restore overwrites contract state with snap. Contracts absent from the
// current genesis are ignored.
func (w *World) Restore(snap *WorldSnapshot) {
	if snap == nil {
		return
	}
	w.store.RestoreAllowances(snap.Allowances)
	if w.escrow != nil && snap.Escrow != nil {
		w.escrow.Restore(*snap.Escrow)
	}
	if w.voter != nil && snap.Voter != nil {
		w.voter.Restore(*snap.Voter)
	}
	if w.swap != nil && snap.SwapRates != nil {
		w.swap.Restore(snap.SwapRates)
	}
	for addr, s := range snap.Vaults {
		if v, ok := w.vaults[addr]; ok {
			v.Restore(s)
		}
	}
	for addr, s := range snap.Loans {
		if c, ok := w.loans[addr]; ok {
			c.Restore(s)
		}
	}
	if w.factory != nil {
		w.factory.Restore(snap.Accounts)
	}
	if w.market != nil && snap.Market != nil {
		w.market.Restore(*snap.Market)
	}
	for addr, s := range snap.Community {
		if l, ok := w.community[addr]; ok {
			l.Restore(s)
		}
	}
}
