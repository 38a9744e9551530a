package swap

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNoRoute          = errors.New("swap: no route for pair")
	ErrSlippage         = errors.New("swap: output below minimum")
	ErrMalformedOrders  = errors.New("swap: malformed order data")
	ErrInsufficientPool = errors.New("swap: router lacks output liquidity")
	ErrUnauthorized     = errors.New("swap: caller is not the router admin")
)

// Order is one leg of a swap. A zero AmountIn sells the caller's whole
// balance of TokenIn.
type Order struct {
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *uint256.Int
	MinOut   *uint256.Int
}

var ordersArgs = func() abi.Arguments {
	addrs, _ := abi.NewType("address[]", "", nil)
	uints, _ := abi.NewType("uint256[]", "", nil)
	return abi.Arguments{{Type: addrs}, {Type: addrs}, {Type: uints}, {Type: uints}}
}()

// EncodeOrders packs orders as (address[],address[],uint256[],uint256[]).
func EncodeOrders(orders []Order) ([]byte, error) {
	ins := make([]common.Address, len(orders))
	outs := make([]common.Address, len(orders))
	amounts := make([]*big.Int, len(orders))
	mins := make([]*big.Int, len(orders))
	for i, o := range orders {
		ins[i] = o.TokenIn
		outs[i] = o.TokenOut
		amounts[i] = fpmath.OrZero(o.AmountIn).ToBig()
		mins[i] = fpmath.OrZero(o.MinOut).ToBig()
	}
	return ordersArgs.Pack(ins, outs, amounts, mins)
}

// DecodeOrders is the inverse of EncodeOrders.
func DecodeOrders(data []byte) ([]Order, error) {
	values, err := ordersArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOrders, err)
	}
	ins, ok1 := values[0].([]common.Address)
	outs, ok2 := values[1].([]common.Address)
	amounts, ok3 := values[2].([]*big.Int)
	mins, ok4 := values[3].([]*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, ErrMalformedOrders
	}
	if len(ins) != len(outs) || len(ins) != len(amounts) || len(ins) != len(mins) {
		return nil, ErrMalformedOrders
	}
	orders := make([]Order, len(ins))
	for i := range ins {
		amountIn, overflow := uint256.FromBig(amounts[i])
		if overflow {
			return nil, ErrMalformedOrders
		}
		minOut, overflow := uint256.FromBig(mins[i])
		if overflow {
			return nil, ErrMalformedOrders
		}
		orders[i] = Order{TokenIn: ins[i], TokenOut: outs[i], AmountIn: amountIn, MinOut: minOut}
	}
	return orders, nil
}

type pair struct {
	In  common.Address
	Out common.Address
}

// Router fills orders against its own inventory at fixed WAD-scaled rates.
// The caller must approve the router for each TokenIn. Only admin quotes.
type Router struct {
	address common.Address
	admin   common.Address
	rates   map[pair]*uint256.Int
}

func NewRouter(address, admin common.Address) *Router {
	return &Router{
		address: address,
		admin:   admin,
		rates:   make(map[pair]*uint256.Int),
	}
}

func (r *Router) Address() common.Address { return r.address }
func (r *Router) Admin() common.Address   { return r.admin }

// SetRate sets how many TokenOut units one TokenIn unit buys, scaled by 1e18.
// A zero rate removes the pair.
func (r *Router) SetRate(env *state.Env, tokenIn, tokenOut common.Address, rateWad *uint256.Int) error {
	if env.Sender != r.admin {
		return ErrUnauthorized
	}
	key := pair{tokenIn, tokenOut}
	if rateWad == nil || rateWad.IsZero() {
		state.DeleteKey(env.Journal(), r.rates, key)
		return nil
	}
	state.SetKey(env.Journal(), r.rates, key, rateWad.Clone())
	return nil
}

// Quote returns the output for amountIn. Same-token quotes are identity.
func (r *Router) Quote(tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	if tokenIn == tokenOut {
		return amountIn.Clone(), nil
	}
	rate, ok := r.rates[pair{tokenIn, tokenOut}]
	if !ok {
		return nil, ErrNoRoute
	}
	return fpmath.MulWad(amountIn, rate)
}

// Execute decodes data and fills every order for the caller.
func (r *Router) Execute(env *state.Env, data []byte) error {
	orders, err := DecodeOrders(data)
	if err != nil {
		return err
	}
	caller := env.Sender
	self := env.As(r.address)
	for i, o := range orders {
		amountIn := o.AmountIn
		if amountIn.IsZero() {
			amountIn = env.BalanceOf(caller, o.TokenIn)
			if amountIn.IsZero() {
				continue
			}
		}
		if o.TokenIn == o.TokenOut {
			continue
		}
		out, err := r.Quote(o.TokenIn, o.TokenOut, amountIn)
		if err != nil {
			return fmt.Errorf("order %d: %w", i, err)
		}
		if out.Lt(o.MinOut) {
			return fmt.Errorf("order %d: %w: got %s, want >= %s", i, ErrSlippage, out.Dec(), o.MinOut.Dec())
		}
		if env.BalanceOf(r.address, o.TokenOut).Lt(out) {
			return fmt.Errorf("order %d: %w", i, ErrInsufficientPool)
		}
		if err := self.TransferFrom(caller, r.address, o.TokenIn, amountIn, ledger.JournalTypeSwap); err != nil {
			return fmt.Errorf("order %d: pull input: %w", i, err)
		}
		if err := self.Transfer(caller, o.TokenOut, out, ledger.JournalTypeSwap); err != nil {
			return fmt.Errorf("order %d: pay output: %w", i, err)
		}
	}
	return nil
}

// Rate is the exported form of one pair rate.
type Rate struct {
	TokenIn  common.Address `json:"token_in"`
	TokenOut common.Address `json:"token_out"`
	RateWad  *uint256.Int   `json:"rate_wad"`
}

func (r *Router) Snapshot() []Rate {
	out := make([]Rate, 0, len(r.rates))
	for k, v := range r.rates {
		out = append(out, Rate{TokenIn: k.In, TokenOut: k.Out, RateWad: v.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TokenIn.Cmp(out[j].TokenIn); c != 0 {
			return c < 0
		}
		return out[i].TokenOut.Cmp(out[j].TokenOut) < 0
	})
	return out
}

func (r *Router) Restore(rates []Rate) {
	r.rates = make(map[pair]*uint256.Int, len(rates))
	for _, rt := range rates {
		r.rates[pair{rt.TokenIn, rt.TokenOut}] = rt.RateWad.Clone()
	}
}
