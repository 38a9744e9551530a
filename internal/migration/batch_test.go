package migration_test

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"FortyAcres/internal/event"
	"FortyAcres/internal/migration"
	"FortyAcres/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalldata(t *testing.T) {
	data, err := migration.Calldata(5959, migration.DefaultSuccessor, migration.DefaultFactory)
	require.NoError(t, err)
	require.Len(t, data, 4+3*32)

	selector := crypto.Keccak256([]byte("migrateNft(uint256,address,address)"))[:4]
	assert.Equal(t, selector, data[:4])

	args, err := migration.LoanABI.Methods["migrateNft"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 3)
	id, ok := args[0].(*big.Int)
	require.True(t, ok)
	assert.Equal(t, uint64(5959), id.Uint64())
	assert.Equal(t, migration.DefaultSuccessor, args[1])
	assert.Equal(t, migration.DefaultFactory, args[2])
}

func TestBatches_GroupsInOrder(t *testing.T) {
	batches, err := migration.DefaultPlan().Batches(migration.DefaultTokenIDs)
	require.NoError(t, err)

	require.Len(t, migration.DefaultTokenIDs, 77)
	require.Len(t, batches, 16)
	assert.Equal(t, []uint64{5959, 5961, 6335, 6524, 4593}, batches[0].TokenIDs)
	assert.Equal(t, "migrate_tokens_5959_5961_6335_6524_4593.json", batches[0].FileName())
	assert.Equal(t, []uint64{6515, 3383}, batches[15].TokenIDs)
	assert.Len(t, batches[15].Transactions, 2)

	for _, b := range batches {
		assert.Equal(t, "43114", b.ChainID)
		for i, tx := range b.Transactions {
			assert.Equal(t, "0xf6A044c3b2a3373eF2909E2474f3229f23279B5F", tx.To)
			assert.Equal(t, "0", tx.Value)
			want, err := migration.Calldata(b.TokenIDs[i], migration.DefaultSuccessor, migration.DefaultFactory)
			require.NoError(t, err)
			assert.Equal(t, hexutil.Encode(want), tx.Data)
		}
	}
}

func TestBatches_Empty(t *testing.T) {
	_, err := migration.DefaultPlan().Batches(nil)
	assert.ErrorIs(t, err, migration.ErrNoTokens)
}

func TestWriteBatches(t *testing.T) {
	plan := migration.DefaultPlan()
	plan.BatchSize = 2
	batches, err := plan.Batches([]uint64{1, 2, 3})
	require.NoError(t, err)

	dir := t.TempDir()
	paths, err := migration.WriteBatches(dir, batches)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "migrate_tokens_1_2.json"),
		filepath.Join(dir, "migrate_tokens_3.json"),
	}, paths)

	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"chainId\": \"43114\"")

	var decoded struct {
		ChainID      string                  `json:"chainId"`
		Transactions []migration.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded.Transactions, 2)
	assert.NotContains(t, string(raw), "TokenIDs")
}

func TestEvents(t *testing.T) {
	plan := migration.DefaultPlan()
	owner := common.HexToAddress("0x01")
	now := time.Unix(1_700_000_000, 0)

	evts := plan.Events([]uint64{10, 11}, owner, 40, now)
	require.Len(t, evts, 2)
	assert.Equal(t, int64(40), evts[0].Sequence)
	assert.Equal(t, int64(41), evts[1].Sequence)
	assert.Equal(t, uint64(11), evts[1].TokenID)
	assert.Equal(t, plan.Legacy, evts[0].Contract)
	assert.Equal(t, owner, evts[0].Sender)
	assert.Equal(t, now.UnixMicro(), evts[0].TimestampUs)
	assert.NotEqual(t, evts[0].EventID, evts[1].EventID)
	assert.Equal(t, event.EventTypeNftMigrated, evts[0].EventType())

	unsequenced := plan.Events([]uint64{10}, owner, -1, now)
	assert.Equal(t, int64(-1), unsequenced[0].Sequence)
}

func TestWriteBatches_Golden(t *testing.T) {
	batches, err := migration.DefaultPlan().Batches(migration.DefaultTokenIDs[:5])
	require.NoError(t, err)
	paths, err := migration.WriteBatches(t.TempDir(), batches)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	got, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	testutil.AssertGolden(t, batches[0].FileName(), got)
}
