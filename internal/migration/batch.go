// Package migration builds the transaction batches that move pledged veNFTs
// from a legacy loan market to its successor, and the equivalent ledger
// commands for markets this service runs itself.
package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"FortyAcres/internal/event"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

const (
	DefaultChainID   = "43114"
	DefaultBatchSize = 5
)

var (
	DefaultLegacy    = common.HexToAddress("0xf6A044c3b2a3373eF2909E2474f3229f23279B5F")
	DefaultSuccessor = common.HexToAddress("0x6Bf2Fe80D245b06f6900848ec52544FBdE6c8d2C")
	DefaultFactory   = common.HexToAddress("0x52d43C377e498980135C8F2E858f120A18Ea96C2")
)

// DefaultTokenIDs is the pending migration set, in submission order.
var DefaultTokenIDs = []uint64{
	5959, 5961, 6335, 6524, 4593, 5603, 5597, 4613, 5596, 5418,
	6336, 5451, 6088, 4997, 6301, 4345, 6769, 502, 6179, 6346,
	6351, 6511, 6378, 5447, 6397, 6452, 6136, 6734, 6430, 3601,
	5595, 204, 6106, 6554, 6459, 6427, 6341, 5618, 6396, 195,
	6107, 5186, 327, 3802, 6457, 4554, 6530, 5510, 6163, 6304,
	6699, 3884, 6617, 6513, 4141, 6391, 3993, 108, 6613, 420,
	3818, 5604, 6135, 3178, 3111, 4390, 4240, 6517, 4995, 100,
	16201, 93, 4496, 6093, 3618, 6515, 3383,
}

var ErrNoTokens = errors.New("migration: no token ids")

const loanABI = `[{"type":"function","name":"migrateNft","stateMutability":"nonpayable","inputs":[
	{"name":"tokenId","type":"uint256"},
	{"name":"newLoanContract","type":"address"},
	{"name":"portfolioFactory","type":"address"}],"outputs":[]}]`

// LoanABI is the slice of the loan market interface the generator encodes.
var LoanABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(loanABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Calldata encodes migrateNft(tokenId, successor, factory).
func Calldata(tokenID uint64, successor, factory common.Address) ([]byte, error) {
	return LoanABI.Pack("migrateNft", new(big.Int).SetUint64(tokenID), successor, factory)
}

// Transaction is one entry of a batch file, in the layout multisig
// transaction builders import.
type Transaction struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type Batch struct {
	TokenIDs     []uint64      `json:"-"`
	ChainID      string        `json:"chainId"`
	Transactions []Transaction `json:"transactions"`
}

// FileName is migrate_tokens_<id>_<id>...json.
func (b *Batch) FileName() string {
	ids := make([]string, len(b.TokenIDs))
	for i, id := range b.TokenIDs {
		ids[i] = strconv.FormatUint(id, 10)
	}
	return "migrate_tokens_" + strings.Join(ids, "_") + ".json"
}

// Plan names the contracts a migration moves between.
type Plan struct {
	ChainID   string
	Legacy    common.Address
	Successor common.Address
	Factory   common.Address
	BatchSize int
}

func DefaultPlan() Plan {
	return Plan{
		ChainID:   DefaultChainID,
		Legacy:    DefaultLegacy,
		Successor: DefaultSuccessor,
		Factory:   DefaultFactory,
		BatchSize: DefaultBatchSize,
	}
}

// Batches groups ids into files of at most BatchSize transactions, keeping
// the given order.
func (p Plan) Batches(ids []uint64) ([]Batch, error) {
	if len(ids) == 0 {
		return nil, ErrNoTokens
	}
	size := p.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	chainID := p.ChainID
	if chainID == "" {
		chainID = DefaultChainID
	}

	var batches []Batch
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		b := Batch{
			TokenIDs:     append([]uint64(nil), ids[start:end]...),
			ChainID:      chainID,
			Transactions: make([]Transaction, 0, end-start),
		}
		for _, id := range ids[start:end] {
			data, err := Calldata(id, p.Successor, p.Factory)
			if err != nil {
				return nil, fmt.Errorf("token %d: %w", id, err)
			}
			b.Transactions = append(b.Transactions, Transaction{
				To:    p.Legacy.Hex(),
				Value: "0",
				Data:  hexutil.Encode(data),
			})
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// WriteBatches writes each batch as indented JSON under dir and returns
// the paths written.
func WriteBatches(dir string, batches []Batch) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(batches))
	for i := range batches {
		data, err := json.MarshalIndent(&batches[i], "", "  ")
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, batches[i].FileName())
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Events returns the ledger commands equivalent to the batches, sent by
// the legacy market's owner. A negative startSeq leaves sequencing to the
// core.
func (p Plan) Events(ids []uint64, owner common.Address, startSeq int64, now time.Time) []*event.NftMigrated {
	out := make([]*event.NftMigrated, len(ids))
	for i, id := range ids {
		seq := int64(-1)
		if startSeq >= 0 {
			seq = startSeq + int64(i)
		}
		out[i] = &event.NftMigrated{
			Header: event.Header{
				EventID:     uuid.New(),
				Sender:      owner,
				Contract:    p.Legacy,
				Sequence:    seq,
				TimestampUs: now.UnixMicro(),
			},
			TokenID:          id,
			Successor:        p.Successor,
			PortfolioFactory: p.Factory,
		}
	}
	return out
}
