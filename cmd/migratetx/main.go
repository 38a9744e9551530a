// Command migratetx writes migrateNft transaction batches for a multisig
// and, with --publish, sends the matching NftMigrated commands to the
// ledger's NATS ingress.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"FortyAcres/internal/ingestion"
	"FortyAcres/internal/migration"
	"FortyAcres/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

type options struct {
	out       string
	ids       []uint
	legacy    string
	successor string
	factory   string
	chainID   string
	batchSize int

	publish  bool
	natsURL  string
	sender   string
	startSeq int64
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "migratetx",
		Short:        "Generate veNFT migration transaction batches",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.out, "out", ".", "directory for the batch files")
	f.UintSliceVar(&opts.ids, "ids", nil, "token ids to migrate (default: the pending migration set)")
	f.StringVar(&opts.legacy, "legacy", migration.DefaultLegacy.Hex(), "loan market the tokens leave")
	f.StringVar(&opts.successor, "successor", migration.DefaultSuccessor.Hex(), "loan market the tokens move to")
	f.StringVar(&opts.factory, "factory", migration.DefaultFactory.Hex(), "portfolio factory of the successor")
	f.StringVar(&opts.chainID, "chain-id", migration.DefaultChainID, "chain id written into each batch")
	f.IntVar(&opts.batchSize, "batch-size", migration.DefaultBatchSize, "transactions per file")
	f.BoolVar(&opts.publish, "publish", false, "also publish NftMigrated commands")
	f.StringVar(&opts.natsURL, "nats-url", "nats://localhost:4222", "NATS server for --publish")
	f.StringVar(&opts.sender, "sender", "", "owner address the commands are sent as (required with --publish)")
	f.Int64Var(&opts.startSeq, "start-sequence", -1, "source sequence of the first command; negative lets the ledger assign")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseAddress(flag, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: %q is not an address", flag, s)
	}
	return common.HexToAddress(s), nil
}

func (o options) plan() (migration.Plan, error) {
	p := migration.Plan{ChainID: o.chainID, BatchSize: o.batchSize}
	var err error
	if p.Legacy, err = parseAddress("legacy", o.legacy); err != nil {
		return p, err
	}
	if p.Successor, err = parseAddress("successor", o.successor); err != nil {
		return p, err
	}
	if p.Factory, err = parseAddress("factory", o.factory); err != nil {
		return p, err
	}
	return p, nil
}

func (o options) tokenIDs() []uint64 {
	if len(o.ids) == 0 {
		return migration.DefaultTokenIDs
	}
	out := make([]uint64, len(o.ids))
	for i, id := range o.ids {
		out[i] = uint64(id)
	}
	return out
}

func run(ctx context.Context, o options) error {
	logger := observability.NewLogger("migratetx")
	plan, err := o.plan()
	if err != nil {
		return err
	}
	ids := o.tokenIDs()

	batches, err := plan.Batches(ids)
	if err != nil {
		return err
	}
	paths, err := migration.WriteBatches(o.out, batches)
	if err != nil {
		return err
	}
	for i, path := range paths {
		logger.Info().Str("file", path).Int("transactions", len(batches[i].Transactions)).Msg("wrote batch")
	}
	logger.Info().Int("tokens", len(ids)).Int("files", len(paths)).Msg("migration batches generated")

	if !o.publish {
		return nil
	}
	sender, err := parseAddress("sender", o.sender)
	if err != nil {
		return err
	}
	nc, js, err := ingestion.ConnectNATS(o.natsURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	for _, evt := range plan.Events(ids, sender, o.startSeq, time.Now()) {
		if err := ingestion.Publish(ctx, js, evt); err != nil {
			return fmt.Errorf("publish token %d: %w", evt.TokenID, err)
		}
	}
	logger.Info().Int("commands", len(ids)).Msg("published NftMigrated commands")
	return nil
}
