package testutil

import (
	"encoding/binary"
	"testing"
	"time"

	"FortyAcres/internal/ledger"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// GenesisTime is a mid-epoch timestamp well inside a voting window.
const GenesisTime uint64 = 2_800 * 604_800 + 3*86_400

// Addr derives a stable, readable test address from n.
func Addr(n uint64) common.Address {
	var a common.Address
	binary.BigEndian.PutUint64(a[12:], n)
	return a
}

// NewEnv opens a transition on a fresh store at GenesisTime.
func NewEnv(t *testing.T) (*state.Store, *state.Env) {
	t.Helper()
	s := state.NewStore(ledger.NewBalanceTracker())
	env, err := s.Begin("test", 1, time.Unix(int64(GenesisTime), 0))
	if err != nil {
		t.Fatalf("begin transition: %v", err)
	}
	return s, env
}

// Fund mints amount of asset to holder.
func Fund(t *testing.T, env *state.Env, holder, asset common.Address, amount uint64) {
	t.Helper()
	if err := env.Mint(holder, asset, uint256.NewInt(amount), ledger.JournalTypeDeposit); err != nil {
		t.Fatalf("fund %s: %v", holder.Hex(), err)
	}
}

// U is shorthand for uint256.NewInt.
func U(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// E scales v by 10^decimals.
func E(v uint64, decimals uint8) *uint256.Int {
	out := uint256.NewInt(v)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < decimals; i++ {
		out.Mul(out, ten)
	}
	return out
}
