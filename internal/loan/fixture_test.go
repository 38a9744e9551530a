package loan_test

import (
	"testing"

	"FortyAcres/internal/escrow"
	"FortyAcres/internal/loan"
	"FortyAcres/internal/rewards"
	"FortyAcres/internal/state"
	"FortyAcres/internal/swap"
	"FortyAcres/internal/testutil"
	"FortyAcres/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	aero       = testutil.Addr(0xae)
	usdc       = testutil.Addr(0xc1)
	alice      = testutil.Addr(0xa1)
	bob        = testutil.Addr(0xb0)
	lp         = testutil.Addr(0x1f)
	briber     = testutil.Addr(0xbb)
	owner      = testutil.Addr(0x01)
	proposer   = testutil.Addr(0x02)
	keeper     = testutil.Addr(0x03)
	treasury   = testutil.Addr(0x04)
	poolA      = testutil.Addr(0x1a)
	feesA      = testutil.Addr(0x2a)
	bribesA    = testutil.Addr(0x3a)
	escrowAddr = testutil.Addr(0xe5)
	voterAddr  = testutil.Addr(0x70)
	vaultAddr  = testutil.Addr(0x7a)
	routerAddr = testutil.Addr(0x5a)
	coreAddr   = testutil.Addr(0x40)
	core2Addr  = testutil.Addr(0x41)
)

// 100e21 of permanent weight at multiplier 1000 is worth 100e6 USDC.
const multiplier = 1000

type peerSet map[common.Address]*loan.Core

func (p peerSet) Market(addr common.Address) (*loan.Core, bool) {
	c, ok := p[addr]
	return c, ok
}

type fixture struct {
	t      *testing.T
	env    *state.Env
	ve     *escrow.VotingEscrow
	voter  *rewards.Voter
	vault  *vault.Vault
	router *swap.Router
	core   *loan.Core
	peers  peerSet
	token  uint64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	_, env := testutil.NewEnv(t)

	ve := escrow.New(escrowAddr, aero)
	ve.SetVoter(voterAddr)
	voter := rewards.NewVoter(voterAddr, ve)
	voter.AddPool(rewards.Pool{Address: poolA, Fees: feesA, Bribes: bribesA})

	v := vault.New(vaultAddr, usdc)
	testutil.Fund(t, env, lp, usdc, 100_000_000)
	_, err := v.Deposit(env.As(lp), testutil.U(100_000_000), lp)
	require.NoError(t, err)

	router := swap.NewRouter(routerAddr, owner)
	require.NoError(t, router.SetRate(env.As(owner), aero, usdc, testutil.U(2_000_000)))
	testutil.Fund(t, env, routerAddr, usdc, 50_000_000)

	f := &fixture{t: t, env: env, ve: ve, voter: voter, vault: v, router: router, peers: peerSet{}}
	f.core = f.newCore(coreAddr, false, nil)
	f.token = f.lock(alice, testutil.E(100, 21))
	return f
}

func (f *fixture) newCore(addr common.Address, accountKeyed bool, factory loan.PortfolioFactory) *loan.Core {
	f.t.Helper()
	params := loan.DefaultParams()
	params.Multiplier = multiplier
	c, err := loan.New(loan.Config{
		Address:          addr,
		Owner:            owner,
		Proposer:         proposer,
		AuthorizedCaller: keeper,
		FeeRecipient:     treasury,
		AccountKeyed:     accountKeyed,
		Params:           params,
	}, loan.Deps{
		Vault:     f.vault,
		Valuer:    f.ve,
		Custodian: f.ve,
		Router:    f.voter,
		Swapper:   f.router,
		Peers:     f.peers,
		Factory:   factory,
	})
	require.NoError(f.t, err)
	f.vault.AuthorizeLender(f.env, addr, true)
	admin := f.env.As(owner)
	require.NoError(f.t, c.SetApprovedToken(admin, aero, true))
	require.NoError(f.t, c.SetApprovedPools(admin, []common.Address{poolA}, true))
	f.peers[addr] = c
	return c
}

// lock mints a permanent veNFT of amount to holder.
func (f *fixture) lock(holder common.Address, amount *uint256.Int) uint64 {
	f.t.Helper()
	require.NoError(f.t, f.env.Mint(holder, aero, amount, 0))
	id, err := f.ve.CreateLock(f.env.As(holder), amount, 0, true, holder)
	require.NoError(f.t, err)
	return id
}

// borrow approves the core for token and requests amount.
func (f *fixture) borrow(c *loan.Core, who common.Address, token uint64, amount uint64, opts loan.LoanOptions) loan.CollateralRef {
	f.t.Helper()
	require.NoError(f.t, f.ve.Approve(f.env.As(who), c.Address(), token))
	ref, err := c.RequestLoan(f.env.As(who), token, testutil.U(amount), opts)
	require.NoError(f.t, err)
	return ref
}

func (f *fixture) balance(holder, asset common.Address) uint64 {
	return f.env.BalanceOf(holder, asset).Uint64()
}

func (f *fixture) maxLoan(c *loan.Core, ref loan.CollateralRef) uint64 {
	limit, _ := c.GetMaxLoan(f.env, ref)
	return limit.Uint64()
}
