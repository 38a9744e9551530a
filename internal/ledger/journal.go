package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTransfer
	JournalTypeLoanOrigination
	JournalTypeRepayment
	JournalTypeOriginationFee
	JournalTypeRewardClaim
	JournalTypeSwap
	JournalTypeSurplusPayout
	JournalTypeProtocolFee
	JournalTypeVaultDeposit
	JournalTypeVaultWithdrawal
	JournalTypeShareMint
	JournalTypeShareBurn
	JournalTypeFlashLoan
	JournalTypeFlashRepay
	JournalTypeMarketSale
	JournalTypeMarketFee
	JournalTypeCommunityReward
	JournalTypeLockCreate
	JournalTypeRewardNotify
)

var journalTypeNames = map[JournalType]string{
	JournalTypeDeposit:         "deposit",
	JournalTypeWithdrawal:      "withdrawal",
	JournalTypeTransfer:        "transfer",
	JournalTypeLoanOrigination: "loan_origination",
	JournalTypeRepayment:       "repayment",
	JournalTypeOriginationFee:  "origination_fee",
	JournalTypeRewardClaim:     "reward_claim",
	JournalTypeSwap:            "swap",
	JournalTypeSurplusPayout:   "surplus_payout",
	JournalTypeProtocolFee:     "protocol_fee",
	JournalTypeVaultDeposit:    "vault_deposit",
	JournalTypeVaultWithdrawal: "vault_withdrawal",
	JournalTypeShareMint:       "share_mint",
	JournalTypeShareBurn:       "share_burn",
	JournalTypeFlashLoan:       "flash_loan",
	JournalTypeFlashRepay:      "flash_repay",
	JournalTypeMarketSale:      "market_sale",
	JournalTypeMarketFee:       "market_fee",
	JournalTypeCommunityReward: "community_reward",
	JournalTypeLockCreate:      "lock_create",
	JournalTypeRewardNotify:    "reward_notify",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("journal_type_%d", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups balanced entries
	EventRef      string         // Idempotency key of source event
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Asset         common.Address // Token being transferred
	Amount        *uint256.Int   // Raw token units (ALWAYS positive)
	JournalType   JournalType    // Entry type
	Timestamp     int64          // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount between two accounts of the same asset, so every entry balances on
// its own. An empty batch is valid: not every transition moves tokens.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
