package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"FortyAcres/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryTypeHasConstructor(t *testing.T) {
	for _, et := range event.Types() {
		e, ok := event.New(et)
		require.True(t, ok, et.String())
		assert.Equal(t, et, e.EventType())

		parsed, ok := event.ParseEventType(et.String())
		require.True(t, ok)
		assert.Equal(t, et, parsed)
	}
	_, ok := event.New(event.EventTypeUnknown)
	assert.False(t, ok)
	_, ok = event.ParseEventType("TradeFill")
	assert.False(t, ok)
}

func TestDecode_FlattensHeader(t *testing.T) {
	raw := `{
		"event_id": "8f14e45f-ceea-467f-a0e6-8a6f1d1e6a00",
		"sender": "0x00000000000000000000000000000000000000b0",
		"contract": "0x00000000000000000000000000000000000000C1",
		"sequence": 4,
		"timestamp_us": 1700000000000000,
		"to": "0x00000000000000000000000000000000000000b1",
		"amount": "1000000"
	}`
	e, _ := event.New(event.EventTypeTokenMinted)
	require.NoError(t, json.Unmarshal([]byte(raw), e))

	m := e.(*event.TokenMinted)
	assert.Equal(t, "8f14e45f-ceea-467f-a0e6-8a6f1d1e6a00", m.IdempotencyKey())
	assert.Equal(t, int64(4), m.SourceSequence())
	assert.Equal(t, common.HexToAddress("0xb0"), m.Caller())
	assert.Equal(t, uint64(1_000_000), m.Amount.Uint64())
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), m.Time())

	require.NotNil(t, m.MarketID())
	assert.Equal(t, "0x00000000000000000000000000000000000000c1", *m.MarketID())
}

func TestMarketID_NilWithoutContract(t *testing.T) {
	e := &event.AccountCreated{}
	assert.Nil(t, e.MarketID())
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "token", event.EventTypeSwapRateSet.Domain())
	assert.Equal(t, "loan", event.EventTypeNftMigrated.Domain())
	assert.Equal(t, "market", event.EventTypeOfferAccepted.Domain())
	assert.Equal(t, "community", event.EventTypeCommunityRewardClaimed.Domain())
	for _, et := range event.Types() {
		assert.NotEqual(t, "unknown", et.Domain(), et.String())
	}
}
