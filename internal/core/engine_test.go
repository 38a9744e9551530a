package core_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"FortyAcres/internal/config"
	"FortyAcres/internal/core"
	"FortyAcres/internal/event"
	"FortyAcres/internal/loan"
	"FortyAcres/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aero       = testutil.Addr(0xae)
	usdc       = testutil.Addr(0xc1)
	alice      = testutil.Addr(0xa1)
	lp         = testutil.Addr(0x1f)
	owner      = testutil.Addr(0x01)
	poolA      = testutil.Addr(0x1a)
	escrowAddr = testutil.Addr(0xe5)
	voterAddr  = testutil.Addr(0x70)
	vaultAddr  = testutil.Addr(0x7a)
	marketAddr = testutil.Addr(0x40)
)

func genesis() config.Genesis {
	params := loan.DefaultParams()
	params.Multiplier = 1000
	return config.Genesis{
		Assets: []config.Asset{
			{Address: aero, Symbol: "AERO", Decimals: 18},
			{Address: usdc, Symbol: "USDC", Decimals: 6},
		},
		Escrow: config.Escrow{Address: escrowAddr, Token: aero},
		Voter: config.Voter{Address: voterAddr, Pools: []config.Pool{
			{Address: poolA, Fees: testutil.Addr(0x2a), Bribes: testutil.Addr(0x3a)},
		}},
		Vaults: []config.Vault{{Address: vaultAddr, Asset: usdc}},
		Loans: []config.LoanMarket{{
			Address:        marketAddr,
			Vault:          vaultAddr,
			Owner:          owner,
			Params:         &params,
			ApprovedPools:  []common.Address{poolA},
			ApprovedTokens: []common.Address{aero},
		}},
	}
}

// harness numbers events per contract the way an upstream sequencer would.
type harness struct {
	t    *testing.T
	core *core.DeterministicCore
	out  chan core.CoreOutput
	seqs map[common.Address]int64
	n    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	out := make(chan core.CoreOutput, 64)
	c, err := core.NewDeterministicCore(genesis(), core.Options{
		PersistChan: out,
		LRUCapacity: 128,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return &harness{t: t, core: c, out: out, seqs: make(map[common.Address]int64)}
}

func (h *harness) header(sender, contract common.Address) event.Header {
	h.n++
	seq := h.seqs[contract]
	h.seqs[contract] = seq + 1
	return event.Header{
		EventID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("event-%d", h.n))),
		Sender:      sender,
		Contract:    contract,
		Sequence:    seq,
		TimestampUs: int64(testutil.GenesisTime) * 1_000_000,
	}
}

func (h *harness) apply(evt event.Event) *core.Receipt {
	h.t.Helper()
	r, err := h.core.ProcessEvent(evt)
	require.NoError(h.t, err)
	require.Empty(h.t, r.Revert)
	return r
}

func (h *harness) drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-h.out:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

var locked = testutil.E(100, 21)

// fundAndBorrow seeds the vault, locks alice's AERO and draws 5 USDC.
func (h *harness) fundAndBorrow() loan.CollateralRef {
	h.apply(&event.TokenMinted{Header: h.header(lp, usdc), To: lp, Amount: testutil.U(100_000_000)})
	h.apply(&event.VaultDeposited{Header: h.header(lp, vaultAddr), Assets: testutil.U(100_000_000), Receiver: lp})
	h.apply(&event.TokenMinted{Header: h.header(alice, aero), To: alice, Amount: locked})
	r := h.apply(&event.LockCreated{Header: h.header(alice, escrowAddr), Amount: locked, Permanent: true, To: alice})
	tokenID := r.Result.(map[string]uint64)["token_id"]
	h.apply(&event.NftApproved{Header: h.header(alice, escrowAddr), Spender: marketAddr, TokenID: tokenID})
	r = h.apply(&event.LoanRequested{Header: h.header(alice, marketAddr), TokenID: tokenID, Amount: testutil.U(5_000_000)})
	return r.Result.(loan.CollateralRef)
}

func TestProcessEvent_LoanLifecycle(t *testing.T) {
	h := newHarness(t)
	ref := h.fundAndBorrow()

	assert.Equal(t, loan.NFT(1), ref)
	assert.Equal(t, uint64(5_000_000), h.core.Tracker().HolderBalance(alice, usdc).Uint64())

	lm, ok := h.core.World().LoanMarket(marketAddr)
	require.True(t, ok)
	balance, borrower := lm.GetLoanDetails(ref)
	assert.Equal(t, uint64(5_040_000), balance.Uint64())
	assert.Equal(t, alice, borrower)

	outs := h.drain()
	require.Len(t, outs, 6)
	for i, o := range outs {
		assert.Equal(t, int64(i+1), o.Envelope.Sequence)
		if i > 0 {
			assert.Equal(t, outs[i-1].Envelope.StateHash, o.Envelope.PrevHash, "hash chain broken at %d", i)
		}
	}
	last := outs[len(outs)-1]
	require.Len(t, last.Positions, 1)
	assert.Equal(t, alice, last.Positions[0].Position.Borrower)
	assert.NotEmpty(t, last.Batch.Journals)
	assert.Equal(t, h.core.GetStateHash(), last.Envelope.StateHash)
}

func TestProcessEvent_RevertIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.apply(&event.TokenMinted{Header: h.header(alice, aero), To: alice, Amount: locked})
	r := h.apply(&event.LockCreated{Header: h.header(alice, escrowAddr), Amount: locked, Permanent: true, To: alice})
	tokenID := r.Result.(map[string]uint64)["token_id"]
	h.drain()

	// Not approved: the market cannot take custody.
	r, err := h.core.ProcessEvent(&event.LoanRequested{Header: h.header(alice, marketAddr), TokenID: tokenID, Amount: testutil.U(1_000_000)})
	require.NoError(t, err)
	assert.NotEmpty(t, r.Revert)
	assert.Nil(t, r.Result)

	outs := h.drain()
	require.Len(t, outs, 1)
	assert.Empty(t, outs[0].Batch.Journals)
	assert.Equal(t, r.Revert, outs[0].Envelope.Revert)

	holder, err := h.core.World().Escrow().OwnerOf(tokenID)
	require.NoError(t, err)
	assert.Equal(t, alice, holder, "reverted call leaves custody untouched")

	// The partition advanced, so the next call goes through.
	h.apply(&event.NftApproved{Header: h.header(alice, escrowAddr), Spender: marketAddr, TokenID: tokenID})
	r = h.apply(&event.LoanRequested{Header: h.header(alice, marketAddr), TokenID: tokenID})
	assert.Equal(t, loan.NFT(tokenID), r.Result)
}

func TestProcessEvent_UnknownContractReverts(t *testing.T) {
	h := newHarness(t)
	r, err := h.core.ProcessEvent(&event.VaultDeposited{Header: h.header(lp, testutil.Addr(0xdead)), Assets: testutil.U(1), Receiver: lp})
	require.NoError(t, err)
	assert.Contains(t, r.Revert, "no contract at address")
}

func TestProcessEvent_DuplicateIsSkipped(t *testing.T) {
	h := newHarness(t)
	evt := &event.TokenMinted{Header: h.header(lp, usdc), To: lp, Amount: testutil.U(10)}
	first := h.apply(evt)

	again, err := h.core.ProcessEvent(evt)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Sequence+1, h.core.GetSequence())
	assert.Equal(t, uint64(10), h.core.Tracker().HolderBalance(lp, usdc).Uint64())
}

func TestProcessEvent_SequenceGapAndOutOfOrder(t *testing.T) {
	h := newHarness(t)

	gap := h.header(lp, usdc)
	gap.Sequence = 3
	_, err := h.core.ProcessEvent(&event.TokenMinted{Header: gap, To: lp, Amount: testutil.U(1)})
	assert.ErrorIs(t, err, core.ErrSequenceGap)

	h.seqs[usdc] = 0
	h.apply(&event.TokenMinted{Header: h.header(lp, usdc), To: lp, Amount: testutil.U(1)})

	stale := h.header(lp, usdc)
	stale.Sequence = 0
	_, err = h.core.ProcessEvent(&event.TokenMinted{Header: stale, To: lp, Amount: testutil.U(1)})
	assert.ErrorIs(t, err, core.ErrOutOfOrder)
	assert.Equal(t, uint64(1), h.core.Tracker().HolderBalance(lp, usdc).Uint64())

	partition := "contract:" + strings.ToLower(usdc.Hex())
	assert.Equal(t, int64(1), h.core.SequenceMetrics().GetGaps(partition))
	assert.Equal(t, int64(1), h.core.SequenceMetrics().GetOutOfOrder(partition))
}

func TestProcessEvent_AutoSequence(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		hdr := h.header(owner, marketAddr)
		hdr.Sequence = -1
		h.apply(&event.LoanConfigUpdated{Header: hdr, Setting: event.SettingFlashFee, Value: uint64(10 + i)})
	}
	outs := h.drain()
	require.Len(t, outs, 2)
	assert.Equal(t, int64(0), outs[0].Envelope.SourceSequence)
	assert.Equal(t, int64(1), outs[1].Envelope.SourceSequence)

	lm, _ := h.core.World().LoanMarket(marketAddr)
	assert.Equal(t, uint64(11), lm.Params().FlashFee)
}

func TestHashChain_Deterministic(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)
	a.fundAndBorrow()
	b.fundAndBorrow()
	assert.Equal(t, a.core.GetStateHash(), b.core.GetStateHash())
	assert.Equal(t, a.core.GetSequence(), b.core.GetSequence())
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	src := newHarness(t)
	ref := src.fundAndBorrow()
	src.apply(&event.TokenApproved{Header: src.header(alice, usdc), Spender: marketAddr, Amount: testutil.U(1_000_000)})

	raw, err := json.Marshal(src.core.CreateSnapshotState())
	require.NoError(t, err)
	var snap core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &snap))

	dst := newHarness(t)
	require.NoError(t, dst.core.RestoreFromSnapshot(&snap))
	assert.Equal(t, src.core.GetStateHash(), dst.core.GetStateHash())
	assert.Equal(t, src.core.GetSequence(), dst.core.GetSequence())
	assert.Equal(t, uint64(5_000_000), dst.core.Tracker().HolderBalance(alice, usdc).Uint64())

	pay := &event.LoanPaid{Header: src.header(alice, marketAddr), Ref: ref, Amount: testutil.U(1_000_000)}
	dup := *pay
	r1 := src.apply(pay)
	r2, err := dst.core.ProcessEvent(&dup)
	require.NoError(t, err)
	require.Empty(t, r2.Revert)
	assert.Equal(t, r1.StateHash, r2.StateHash)

	lm, _ := dst.core.World().LoanMarket(marketAddr)
	balance, _ := lm.GetLoanDetails(ref)
	assert.Equal(t, uint64(4_040_000), balance.Uint64())
	assert.Equal(t, uint256.NewInt(4_000_000), dst.core.Tracker().HolderBalance(alice, usdc))
}
