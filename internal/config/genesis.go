package config

import (
	"fmt"

	"FortyAcres/internal/loan"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Genesis declares the contracts the ledger hosts and their initial wiring.
type Genesis struct {
	Assets          []Asset          `toml:"assets"`
	Escrow          Escrow           `toml:"escrow"`
	Voter           Voter            `toml:"voter"`
	Swap            Swap             `toml:"swap"`
	Vaults          []Vault          `toml:"vaults"`
	Loans           []LoanMarket     `toml:"loans"`
	Implementations []Implementation `toml:"implementations"`
	FlashReceivers  []FlashReceiver  `toml:"flash_receivers"`
	Portfolio       Portfolio        `toml:"portfolio"`
	Market          Market           `toml:"market"`
	Community       []Community      `toml:"community"`
}

type Asset struct {
	Address  common.Address `toml:"address"`
	Symbol   string         `toml:"symbol"`
	Decimals uint8          `toml:"decimals"`
}

// Escrow is the voting escrow. Token is the asset locked into veNFTs.
type Escrow struct {
	Address common.Address `toml:"address"`
	Token   common.Address `toml:"token"`
}

type Voter struct {
	Address common.Address `toml:"address"`
	Pools   []Pool         `toml:"pools"`
}

type Pool struct {
	Address common.Address `toml:"address"`
	Fees    common.Address `toml:"fees"`
	Bribes  common.Address `toml:"bribes"`
}

// Swap is the fixed-rate router. Admin alone may quote rates.
type Swap struct {
	Address common.Address `toml:"address"`
	Admin   common.Address `toml:"admin"`
	Rates   []SwapRate     `toml:"rates"`
}

// SwapRate is TokenOut units per TokenIn unit, scaled by 1e18.
type SwapRate struct {
	TokenIn  common.Address `toml:"token_in"`
	TokenOut common.Address `toml:"token_out"`
	RateWad  *uint256.Int   `toml:"rate_wad"`
}

type Vault struct {
	Address common.Address `toml:"address"`
	Asset   common.Address `toml:"asset"`
}

type LoanMarket struct {
	Address          common.Address   `toml:"address"`
	Vault            common.Address   `toml:"vault"`
	Owner            common.Address   `toml:"owner"`
	Proposer         common.Address   `toml:"proposer"`
	AuthorizedCaller common.Address   `toml:"authorized_caller"`
	FeeRecipient     common.Address   `toml:"fee_recipient"`
	AccountKeyed     bool             `toml:"account_keyed"`
	Implementation   common.Address   `toml:"implementation"`
	Params           *loan.Params     `toml:"params"`
	ApprovedPools    []common.Address `toml:"approved_pools"`
	ApprovedTokens   []common.Address `toml:"approved_tokens"`
	// Peer markets and swap routers allowed on either side of transfers.
	ApprovedContracts []common.Address `toml:"approved_contracts"`
	DefaultPools      []common.Address `toml:"default_pools"`
	DefaultWeights    []uint64         `toml:"default_weights"`
}

// Implementation is a logic version loan markets may upgrade to. Hook
// names a built-in migration ("params_migration") or is empty.
type Implementation struct {
	Address common.Address `toml:"address"`
	Version string         `toml:"version"`
	Hook    string         `toml:"hook"`
}

// FlashReceiver repays principal plus fee out of its own balance.
type FlashReceiver struct {
	Address common.Address `toml:"address"`
}

type Portfolio struct {
	Address common.Address `toml:"address"`
}

type Market struct {
	Address       common.Address   `toml:"address"`
	Owner         common.Address   `toml:"owner"`
	FeeRecipient  common.Address   `toml:"fee_recipient"`
	FeeBps        uint64           `toml:"fee_bps"`
	PaymentTokens []common.Address `toml:"payment_tokens"`
}

type Community struct {
	Address      common.Address `toml:"address"`
	ManagedToken uint64         `toml:"managed_token"`
	Authority    common.Address `toml:"authority"`
}

func zero(a common.Address) bool { return a == (common.Address{}) }

// Validate checks that references between declared contracts resolve.
func (g Genesis) Validate() error {
	if len(g.Loans) > 0 && len(g.Assets) == 0 {
		return ErrNoAssets
	}
	vaults := make(map[common.Address]bool, len(g.Vaults))
	for i, v := range g.Vaults {
		if zero(v.Address) || zero(v.Asset) {
			return fmt.Errorf("%w: vaults[%d]", ErrInvalidAddress, i)
		}
		vaults[v.Address] = true
	}
	seen := make(map[common.Address]bool, len(g.Loans))
	for i, l := range g.Loans {
		if zero(l.Address) || zero(l.Owner) {
			return fmt.Errorf("%w: loans[%d]", ErrInvalidAddress, i)
		}
		if seen[l.Address] {
			return fmt.Errorf("%w: %s", ErrDuplicateMarket, l.Address.Hex())
		}
		seen[l.Address] = true
		if !vaults[l.Vault] {
			return fmt.Errorf("%w: loans[%d] vault %s", ErrUnknownVault, i, l.Vault.Hex())
		}
		if l.Params != nil {
			if err := l.Params.Validate(); err != nil {
				return fmt.Errorf("loans[%d]: %w", i, err)
			}
		}
		if len(l.DefaultPools) != len(l.DefaultWeights) {
			return fmt.Errorf("loans[%d]: default_pools and default_weights differ in length", i)
		}
	}
	if len(g.Loans) > 0 && (zero(g.Escrow.Address) || zero(g.Voter.Address)) {
		return fmt.Errorf("%w: loan markets need escrow and voter", ErrInvalidAddress)
	}
	for i, impl := range g.Implementations {
		switch impl.Hook {
		case "", "params_migration":
		default:
			return fmt.Errorf("implementations[%d]: unknown hook %q", i, impl.Hook)
		}
	}
	if !zero(g.Swap.Address) && zero(g.Swap.Admin) {
		return fmt.Errorf("%w: swap needs an admin", ErrInvalidAddress)
	}
	if !zero(g.Market.Address) && g.Market.FeeBps > 10_000 {
		return fmt.Errorf("market: fee_bps %d out of range", g.Market.FeeBps)
	}
	return nil
}

// Clone deep-copies every slice so callers may mutate the result.
func (g Genesis) Clone() Genesis {
	out := g
	out.Assets = append([]Asset(nil), g.Assets...)
	out.Voter.Pools = append([]Pool(nil), g.Voter.Pools...)
	out.Swap.Rates = make([]SwapRate, len(g.Swap.Rates))
	for i, r := range g.Swap.Rates {
		out.Swap.Rates[i] = r
		if r.RateWad != nil {
			out.Swap.Rates[i].RateWad = r.RateWad.Clone()
		}
	}
	out.Vaults = append([]Vault(nil), g.Vaults...)
	out.Loans = make([]LoanMarket, len(g.Loans))
	for i, l := range g.Loans {
		c := l
		if l.Params != nil {
			p := *l.Params
			c.Params = &p
		}
		c.ApprovedPools = append([]common.Address(nil), l.ApprovedPools...)
		c.ApprovedTokens = append([]common.Address(nil), l.ApprovedTokens...)
		c.ApprovedContracts = append([]common.Address(nil), l.ApprovedContracts...)
		c.DefaultPools = append([]common.Address(nil), l.DefaultPools...)
		c.DefaultWeights = append([]uint64(nil), l.DefaultWeights...)
		out.Loans[i] = c
	}
	out.Implementations = append([]Implementation(nil), g.Implementations...)
	out.FlashReceivers = append([]FlashReceiver(nil), g.FlashReceivers...)
	out.Market.PaymentTokens = append([]common.Address(nil), g.Market.PaymentTokens...)
	out.Community = append([]Community(nil), g.Community...)
	return out
}
