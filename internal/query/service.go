package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"FortyAcres/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("query: not found")

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// QueryService provides read-only access to the event log and projection
// tables. Responses carry as_of_sequence, the projection watermark they
// were read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// FormatAmount renders raw base units of asset in whole tokens using the
// registered decimals.
func FormatAmount(asset common.Address, raw string) Amount {
	out := Amount{Raw: raw}
	info, ok := ledger.GetAsset(asset)
	if !ok {
		return out
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return out
	}
	out.Formatted = d.Shift(-int32(info.Decimals)).String()
	return out
}

// PageSize clamps a requested page size.
func PageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func holderPrefix(holder common.Address) string {
	return "holder:" + holder.Hex() + ":%"
}

// GetBalance returns a holder's balance of one asset.
func (qs *QueryService) GetBalance(ctx context.Context, holder, asset common.Address) (*BalanceResponse, error) {
	asOfSeq, err := qs.GetWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewHolderAccountKey(holder, asset).AccountPath()
	var balance string
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances WHERE account_path = $1
	`, path).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		balance = "0"
	} else if err != nil {
		return nil, err
	}

	info, _ := ledger.GetAsset(asset)
	return &BalanceResponse{
		Holder:       holder.Hex(),
		Asset:        asset.Hex(),
		Symbol:       info.Symbol,
		Balance:      FormatAmount(asset, balance),
		AsOfSequence: asOfSeq,
	}, nil
}

// GetBalances returns every non-zero balance held by holder.
func (qs *QueryService) GetBalances(ctx context.Context, holder common.Address) ([]BalanceResponse, error) {
	asOfSeq, err := qs.GetWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, balance::text FROM projections.balances
		WHERE account_path LIKE $1 AND balance <> 0
		ORDER BY asset
	`, holderPrefix(holder))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var assetHex, balance string
		if err := rows.Scan(&assetHex, &balance); err != nil {
			return nil, err
		}
		asset := common.HexToAddress(assetHex)
		info, _ := ledger.GetAsset(asset)
		out = append(out, BalanceResponse{
			Holder:       holder.Hex(),
			Asset:        asset.Hex(),
			Symbol:       info.Symbol,
			Balance:      FormatAmount(asset, balance),
			AsOfSequence: asOfSeq,
		})
	}
	return out, rows.Err()
}

const loanColumns = `market, position_key, borrower, token_id, account, balance::text,
	unpaid_fees::text, retained::text, zero_balance, position, closed, last_sequence`

// GetLoans returns the open positions of borrower across all markets.
func (qs *QueryService) GetLoans(ctx context.Context, borrower common.Address) ([]LoanResponse, error) {
	asOfSeq, err := qs.GetWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT `+loanColumns+`
		FROM projections.loans
		WHERE borrower = $1 AND NOT closed
		ORDER BY market, position_key
	`, strings.ToLower(borrower.Hex()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []LoanResponse
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		l.AsOfSequence = asOfSeq
		loans = append(loans, *l)
	}
	return loans, rows.Err()
}

// GetLoan returns one position by market and key, closed or not.
func (qs *QueryService) GetLoan(ctx context.Context, market common.Address, key string) (*LoanResponse, error) {
	asOfSeq, err := qs.GetWatermark(ctx)
	if err != nil {
		return nil, err
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT `+loanColumns+`
		FROM projections.loans
		WHERE market = $1 AND position_key = $2
	`, strings.ToLower(market.Hex()), key)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.AsOfSequence = asOfSeq
	return l, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(s scanner) (*LoanResponse, error) {
	var (
		l        LoanResponse
		tokenID  sql.NullInt64
		account  sql.NullString
		balance  string
		fees     string
		retained string
		position []byte
	)
	if err := s.Scan(&l.Market, &l.Key, &l.Borrower, &tokenID, &account,
		&balance, &fees, &retained, &l.ZeroBalance, &position, &l.Closed, &l.LastSequence); err != nil {
		return nil, err
	}
	if tokenID.Valid {
		l.TokenID = &tokenID.Int64
	}
	if account.Valid {
		l.Account = &account.String
	}
	l.Position = position
	// Loan balances are denominated in the market's lending asset, which
	// the row does not carry; leave them unformatted.
	l.Balance = Amount{Raw: balance}
	l.UnpaidFees = Amount{Raw: fees}
	l.Retained = Amount{Raw: retained}
	return &l, nil
}

// GetJournalHistory returns journal entries touching holder, newest first.
// beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{holderPrefix(holder)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, PageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e      JournalHistoryEntry
			amount string
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = FormatAmount(common.HexToAddress(e.Asset), amount)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetEvent returns the logged event at sequence.
func (qs *QueryService) GetEvent(ctx context.Context, sequence int64) (*EventResponse, error) {
	var (
		e         EventResponse
		payload   []byte
		logs      []byte
		stateHash []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload, logs,
		       state_hash, revert_reason, (EXTRACT(EPOCH FROM timestamp) * 1000000)::bigint
		FROM event_log.events
		WHERE sequence = $1
	`, sequence).Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
		&payload, &logs, &stateHash, &e.RevertReason, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.Logs = logs
	e.StateHash = "0x" + hex.EncodeToString(stateHash)
	return &e, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the event log and that every
// asset's projected balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	latest, err := qs.latestSequence(ctx)
	if err != nil {
		return nil, err
	}
	report.LatestSequence = latest

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset, total string
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		sum, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset, err)
		}
		if !sum.IsZero() {
			report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
				Asset:     asset,
				Imbalance: sum.String(),
			})
		}
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// GetSystemStatus reports log and projection progress.
func (qs *QueryService) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	latest, err := qs.latestSequence(ctx)
	if err != nil {
		return nil, err
	}
	wm, err := qs.GetWatermark(ctx)
	if err != nil {
		return nil, err
	}
	return &SystemStatus{
		LatestSequence:     latest,
		ProjectionSequence: wm,
		ProjectionLag:      latest - wm,
	}, nil
}

// --- helpers ---

// GetWatermark is the last sequence applied to the projection tables.
func (qs *QueryService) GetWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) latestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
