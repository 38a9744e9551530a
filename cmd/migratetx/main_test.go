package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"FortyAcres/internal/migration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() options {
	return options{
		legacy:    migration.DefaultLegacy.Hex(),
		successor: migration.DefaultSuccessor.Hex(),
		factory:   migration.DefaultFactory.Hex(),
		chainID:   migration.DefaultChainID,
		batchSize: migration.DefaultBatchSize,
		startSeq:  -1,
	}
}

func TestOptions_Plan(t *testing.T) {
	o := defaults()
	p, err := o.plan()
	require.NoError(t, err)
	assert.Equal(t, migration.DefaultPlan(), p)

	o.factory = "nope"
	_, err = o.plan()
	assert.ErrorContains(t, err, "--factory")
}

func TestOptions_TokenIDs(t *testing.T) {
	o := defaults()
	assert.Equal(t, migration.DefaultTokenIDs, o.tokenIDs())
	o.ids = []uint{7, 8}
	assert.Equal(t, []uint64{7, 8}, o.tokenIDs())
}

func TestRun_WritesFiles(t *testing.T) {
	o := defaults()
	o.out = t.TempDir()
	o.ids = []uint{1, 2, 3, 4, 5, 6}
	require.NoError(t, run(context.Background(), o))

	entries, err := os.ReadDir(o.out)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	_, err = os.Stat(filepath.Join(o.out, "migrate_tokens_1_2_3_4_5.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(o.out, "migrate_tokens_6.json"))
	assert.NoError(t, err)
}

func TestRun_PublishNeedsSender(t *testing.T) {
	o := defaults()
	o.out = t.TempDir()
	o.ids = []uint{1}
	o.publish = true
	assert.ErrorContains(t, run(context.Background(), o), "--sender")
}
