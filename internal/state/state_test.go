package state_test

import (
	"errors"
	"testing"
	"time"

	"FortyAcres/internal/ledger"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	spender = common.HexToAddress("0x0000000000000000000000000000000000005e5d")
)

func mustBegin(t *testing.T, s *state.Store) *state.Env {
	t.Helper()
	env, err := s.Begin("test", 1, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return env
}

func TestJournal_RevertToSnapshot(t *testing.T) {
	j := state.NewJournal()
	x := 1
	m := map[string]int{"a": 1}

	state.Set(j, &x, 2)
	snap := j.Snapshot()
	state.Set(j, &x, 3)
	state.SetKey(j, m, "b", 2)
	state.DeleteKey(j, m, "a")

	j.RevertToSnapshot(snap)

	if x != 2 {
		t.Errorf("x: got %d, want 2", x)
	}
	if _, ok := m["b"]; ok {
		t.Error("b should be removed")
	}
	if m["a"] != 1 {
		t.Errorf("a: got %d, want 1", m["a"])
	}

	j.RevertToSnapshot(0)
	if x != 1 {
		t.Errorf("x after full revert: got %d, want 1", x)
	}
}

func TestStore_CommitProducesBatch(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	s := state.NewStore(tracker)
	env := mustBegin(t, s)

	if err := env.Mint(alice, usdc, uint256.NewInt(1_000), ledger.JournalTypeDeposit); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.As(alice).Transfer(bob, usdc, uint256.NewInt(250), ledger.JournalTypeTransfer); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	batch, _, err := s.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("journals: got %d, want 2", len(batch.Journals))
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := tracker.HolderBalance(bob, usdc).Uint64(); got != 250 {
		t.Errorf("bob: got %d, want 250", got)
	}
}

func TestStore_RollbackDiscardsEverything(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	s := state.NewStore(tracker)
	env := mustBegin(t, s)

	_ = env.Mint(alice, usdc, uint256.NewInt(1_000), ledger.JournalTypeDeposit)
	env.As(alice).Approve(spender, usdc, uint256.NewInt(500))
	env.Emit(alice, "Something", nil)
	s.Rollback()

	env = mustBegin(t, s)
	if got := env.BalanceOf(alice, usdc); !got.IsZero() {
		t.Errorf("balance after rollback: got %s, want 0", got.Dec())
	}
	if got := env.Allowance(alice, spender, usdc); !got.IsZero() {
		t.Errorf("allowance after rollback: got %s, want 0", got.Dec())
	}
	_, logs, _ := s.Commit()
	if len(logs) != 0 {
		t.Errorf("logs after rollback: got %d, want 0", len(logs))
	}
}

func TestEnv_TransferFromSpendsAllowance(t *testing.T) {
	s := state.NewStore(ledger.NewBalanceTracker())
	env := mustBegin(t, s)
	_ = env.Mint(alice, usdc, uint256.NewInt(1_000), ledger.JournalTypeDeposit)
	env.As(alice).Approve(spender, usdc, uint256.NewInt(600))

	err := env.As(spender).TransferFrom(alice, bob, usdc, uint256.NewInt(400), ledger.JournalTypeTransfer)
	if err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := env.Allowance(alice, spender, usdc).Uint64(); got != 200 {
		t.Errorf("allowance: got %d, want 200", got)
	}

	err = env.As(spender).TransferFrom(alice, bob, usdc, uint256.NewInt(201), ledger.JournalTypeTransfer)
	if !errors.Is(err, state.ErrInsufficientAllowance) {
		t.Errorf("got %v, want ErrInsufficientAllowance", err)
	}
}

func TestEnv_MaxAllowanceNotSpent(t *testing.T) {
	s := state.NewStore(ledger.NewBalanceTracker())
	env := mustBegin(t, s)
	_ = env.Mint(alice, usdc, uint256.NewInt(1_000), ledger.JournalTypeDeposit)
	env.As(alice).Approve(spender, usdc, state.MaxAllowance())

	_ = env.As(spender).TransferFrom(alice, bob, usdc, uint256.NewInt(400), ledger.JournalTypeTransfer)

	if !env.Allowance(alice, spender, usdc).Eq(state.MaxAllowance()) {
		t.Error("max allowance should not decrease")
	}
}

func TestEnv_SnapshotRevertsTokenMoves(t *testing.T) {
	s := state.NewStore(ledger.NewBalanceTracker())
	env := mustBegin(t, s)
	_ = env.Mint(alice, usdc, uint256.NewInt(1_000), ledger.JournalTypeDeposit)

	snap := env.Journal().Snapshot()
	_ = env.As(alice).Transfer(bob, usdc, uint256.NewInt(300), ledger.JournalTypeTransfer)
	env.Journal().RevertToSnapshot(snap)

	if got := env.BalanceOf(alice, usdc).Uint64(); got != 1_000 {
		t.Errorf("alice: got %d, want 1000", got)
	}
	batch, _, _ := s.Commit()
	if len(batch.Journals) != 1 {
		t.Errorf("journals: got %d, want 1", len(batch.Journals))
	}
}

func TestStore_BeginTwiceFails(t *testing.T) {
	s := state.NewStore(ledger.NewBalanceTracker())
	mustBegin(t, s)
	if _, err := s.Begin("again", 2, time.Now()); !errors.Is(err, state.ErrTransitionOpen) {
		t.Errorf("got %v, want ErrTransitionOpen", err)
	}
}
