package projection_test

import (
	"testing"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/event"
	"FortyAcres/internal/loan"
	"FortyAcres/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	market = common.HexToAddress("0x40")
	alice  = common.HexToAddress("0xa1")
	bob    = common.HexToAddress("0xb0")
)

func output(seq int64, et event.EventType, changes ...core.PositionChange) core.CoreOutput {
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:  seq,
			EventType: et,
			Timestamp: time.Unix(seq, 0).UTC(),
		},
		Positions: changes,
	}
}

func open(key string, borrower common.Address, balance uint64) core.PositionChange {
	return core.PositionChange{
		Market:   market,
		Key:      key,
		Position: &loan.Position{Borrower: borrower, Balance: uint256.NewInt(balance)},
	}
}

func TestLoanHistory_ByBorrowerNewestFirst(t *testing.T) {
	h := projection.NewLoanHistoryProjection(10)
	h.Record(output(1, event.EventTypeLoanRequested, open("1", alice, 100)))
	h.Record(output(2, event.EventTypeLoanRequested, open("2", bob, 50)))
	h.Record(output(3, event.EventTypeLoanPaid, open("1", alice, 40)))
	h.Record(output(4, event.EventTypeCollateralClaimed, core.PositionChange{Market: market, Key: "1"}))
	h.Record(output(5, event.EventTypeTokenMinted))

	got := h.QueryByBorrower(alice, 10)
	require.Len(t, got, 3)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.True(t, got[0].Closed, "closing entry keeps the last borrower")
	assert.Equal(t, "0", got[0].Balance)
	assert.Equal(t, "40", got[1].Balance)
	assert.Equal(t, "LoanRequested", got[2].EventType)

	assert.Len(t, h.QueryByBorrower(alice, 1), 1)
	assert.Len(t, h.QueryByBorrower(bob, 10), 1)
}

func TestLoanHistory_BoundedCapacity(t *testing.T) {
	h := projection.NewLoanHistoryProjection(2)
	for i := int64(1); i <= 5; i++ {
		h.Record(output(i, event.EventTypeLoanIncreased, open("1", alice, uint64(i))))
	}
	got := h.QueryByBorrower(alice, 10)
	require.Len(t, got, 2)
	assert.Equal(t, int64(5), got[0].Sequence)
	assert.Equal(t, int64(4), got[1].Sequence)
}
