package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/event"
	"FortyAcres/internal/ledger"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRows_FlattensOutput(t *testing.T) {
	asset := common.HexToAddress("0xC1")
	holder := common.HexToAddress("0xb1")
	batchID := uuid.New()
	market := "0x0000000000000000000000000000000000000040"
	ts := time.Unix(1_700_000_000, 0).UTC()

	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       7,
			IdempotencyKey: "k-7",
			EventType:      event.EventTypeLoanPaid,
			MarketID:       &market,
			Timestamp:      ts,
			SourceSequence: 3,
			Payload:        []byte(`{"amount":"5"}`),
			StateHash:      [32]byte{1},
			PrevHash:       [32]byte{2},
		},
		Batch: &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				EventRef:      "k-7",
				Sequence:      7,
				DebitAccount:  ledger.NewHolderAccountKey(holder, asset),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, asset),
				Asset:         asset,
				Amount:        uint256.MustFromDecimal("123456789012345678901234567890"),
				JournalType:   ledger.JournalTypeRepayment,
				Timestamp:     ts.UnixMicro(),
			}},
		},
		Logs: []state.Log{{Contract: common.HexToAddress("0x40"), Name: "Paid", Fields: map[string]string{"amount": "5"}}},
	}

	row, journals, err := Rows(out)
	require.NoError(t, err)
	assert.Equal(t, int64(7), row.Sequence)
	assert.Equal(t, "LoanPaid", row.EventType)
	assert.Equal(t, &market, row.MarketID)
	assert.Nil(t, row.RevertReason)
	assert.Equal(t, byte(1), row.StateHash[0])
	assert.Len(t, row.StateHash, 32)
	assert.Contains(t, string(row.Logs), `"Paid"`)

	require.Len(t, journals, 1)
	j := journals[0]
	assert.Equal(t, "123456789012345678901234567890", j.Amount)
	assert.Equal(t, "0x00000000000000000000000000000000000000c1", j.Asset)
	assert.Equal(t, "repayment", j.JournalType)
	assert.Equal(t, batchID.String(), j.BatchID)

	out.Envelope.Revert = "loan: nothing owed"
	out.Batch = nil
	row, journals, err = Rows(out)
	require.NoError(t, err)
	require.NotNil(t, row.RevertReason)
	assert.Equal(t, "loan: nothing owed", *row.RevertReason)
	assert.Empty(t, journals)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(0, 3))
	assert.Equal(t, "($11, $12)", placeholders(10, 2))
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "unique_violation", errorClass(&pq.Error{Code: "23505"}))
	assert.Equal(t, "unique_violation", errorClass(fmt.Errorf("write: %w", &pq.Error{Code: "23505"})))
	assert.Equal(t, "canceled", errorClass(context.Canceled))
	assert.Equal(t, "other", errorClass(fmt.Errorf("boom")))
}

func TestListMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000002_projections.up.sql", "000002_projections.down.sql", "000001_event_log.up.sql", "000001_event_log.down.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644))
	}
	migs, err := ListMigrations(dir)
	require.NoError(t, err)
	require.Len(t, migs, 2)
	assert.Equal(t, Migration{Version: "000001", Name: "event_log", UpFile: "000001_event_log.up.sql", DownFile: "000001_event_log.down.sql"}, migs[0])
	assert.Equal(t, "000002", migs[1].Version)
}

func TestListMigrations_MissingDown(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_event_log.up.sql"), []byte("--"), 0o644))
	_, err := ListMigrations(dir)
	assert.ErrorIs(t, err, ErrMissingDown)
}

func TestRepoMigrations_Paired(t *testing.T) {
	migs, err := ListMigrations(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	require.Len(t, migs, 2)
	assert.Equal(t, "projections", migs[1].Name)
}
