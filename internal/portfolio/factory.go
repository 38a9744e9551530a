package portfolio

import (
	"fmt"
	"sort"
	"strconv"

	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// accountInitHash stands in for the account creation code in CREATE2
// address derivation.
var accountInitHash = crypto.Keccak256([]byte("FortyAcres.PortfolioAccount.v1"))

// Account is a user-controlled wrapper holding collateral and loan rights
// across markets. The owner drives it through Multicall.
type Account struct {
	Address   common.Address `json:"address"`
	Owner     common.Address `json:"owner"`
	CreatedAt uint64         `json:"created_at"`
}

// Factory creates one account per owner at a deterministic address and
// executes multicalls against the handler registry.
type Factory struct {
	address  common.Address
	registry *Registry
	accounts map[common.Address]*Account
	byOwner  map[common.Address]common.Address
}

func NewFactory(address common.Address, registry *Registry) *Factory {
	return &Factory{
		address:  address,
		registry: registry,
		accounts: make(map[common.Address]*Account),
		byOwner:  make(map[common.Address]common.Address),
	}
}

func (f *Factory) Address() common.Address { return f.address }
func (f *Factory) Registry() *Registry     { return f.registry }

// AccountAddress is the address owner's account has or will have.
func (f *Factory) AccountAddress(owner common.Address) common.Address {
	salt := crypto.Keccak256Hash(owner.Bytes())
	return crypto.CreateAddress2(f.address, salt, accountInitHash)
}

// GetOrCreate returns owner's account, creating it on first use. Anyone
// may create an account for anyone.
func (f *Factory) GetOrCreate(env *state.Env, owner common.Address) (common.Address, error) {
	if owner == (common.Address{}) {
		return common.Address{}, ErrZeroOwner
	}
	if addr, ok := f.byOwner[owner]; ok {
		return addr, nil
	}
	addr := f.AccountAddress(owner)
	acct := &Account{Address: addr, Owner: owner, CreatedAt: env.Time}
	state.SetKey(env.Journal(), f.accounts, addr, acct)
	state.SetKey(env.Journal(), f.byOwner, owner, addr)
	env.Emit(f.address, "AccountCreated", map[string]string{
		"account": addr.Hex(),
		"owner":   owner.Hex(),
	})
	return addr, nil
}

func (f *Factory) IsAccount(addr common.Address) bool {
	_, ok := f.accounts[addr]
	return ok
}

func (f *Factory) Account(addr common.Address) (Account, bool) {
	a, ok := f.accounts[addr]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// AccountOf returns the account created for owner, if any.
func (f *Factory) AccountOf(owner common.Address) (common.Address, bool) {
	addr, ok := f.byOwner[owner]
	return addr, ok
}

// Multicall runs calls in order as the account. Either every call
// succeeds or none of their effects remain.
func (f *Factory) Multicall(env *state.Env, account common.Address, calls []Call) (results []any, err error) {
	acct, ok := f.accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	if env.Sender != acct.Owner {
		return nil, ErrNotAccountOwner
	}
	if len(calls) == 0 {
		return nil, ErrEmptyMulticall
	}

	snap := env.Journal().Snapshot()
	defer func() {
		if err != nil {
			env.Journal().RevertToSnapshot(snap)
		}
	}()

	as := env.As(acct.Address)
	results = make([]any, len(calls))
	for i, call := range calls {
		h, err := f.registry.Lookup(call.Op)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		out, err := h.Handle(as, acct, call.Args)
		if err != nil {
			return nil, fmt.Errorf("call %d (%s): %w", i, call.Op, err)
		}
		results[i] = out
	}
	env.Emit(f.address, "Multicall", map[string]string{
		"account": acct.Address.Hex(),
		"calls":   strconv.Itoa(len(calls)),
	})
	return results, nil
}

// Accounts exports every account sorted by address.
func (f *Factory) Accounts() []Account {
	out := make([]Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

func (f *Factory) Restore(accounts []Account) {
	f.accounts = make(map[common.Address]*Account, len(accounts))
	f.byOwner = make(map[common.Address]common.Address, len(accounts))
	for _, a := range accounts {
		acct := a
		f.accounts[a.Address] = &acct
		f.byOwner[a.Owner] = a.Address
	}
}
