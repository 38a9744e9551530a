package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ProjectionWorker updates projection tables from processed events.
// The core's projection sends drop when this worker falls behind; the
// tables can then be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	history   *LoanHistoryProjection
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, history *LoanHistoryProjection, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence

			if pw.history != nil {
				pw.history.Record(output)
			}
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and can be
				// rebuilt from the event log.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}

			pw.lastSeq.Store(seq)
		}
	}
}

// LastSequence is the newest sequence the worker has consumed.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			asset := strings.ToLower(j.Asset.Hex())
			amount := j.Amount.Dec()
			if err := adjustBalance(ctx, tx, j.DebitAccount.AccountPath(), asset, amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := adjustBalance(ctx, tx, j.CreditAccount.AccountPath(), asset, "-"+amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("balances").Observe(time.Since(start).Seconds())
	}

	loansStart := time.Now()
	for _, ch := range output.Positions {
		if err := upsertLoan(ctx, tx, ch, seq); err != nil {
			return fmt.Errorf("loan projection: %w", err)
		}
	}
	if pw.metrics != nil && len(output.Positions) > 0 {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("loans").Observe(time.Since(loansStart).Seconds())
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// adjustBalance adds delta, a signed decimal string, to an account. The
// debit side of a journal increases its balance.
func adjustBalance(ctx context.Context, tx *sql.Tx, path, asset, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
	`, path, asset, delta, seq)
	return err
}

func upsertLoan(ctx context.Context, tx *sql.Tx, ch core.PositionChange, seq int64) error {
	market := strings.ToLower(ch.Market.Hex())
	if ch.Position == nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.loans
			SET closed = TRUE, balance = 0, unpaid_fees = 0, last_sequence = $3
			WHERE market = $1 AND position_key = $2
		`, market, ch.Key, seq)
		return err
	}

	p := ch.Position
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var tokenID sql.NullInt64
	var account sql.NullString
	if p.Ref.IsAccount() {
		account = sql.NullString{String: strings.ToLower(p.Ref.Account.Hex()), Valid: true}
	} else {
		tokenID = sql.NullInt64{Int64: int64(p.Ref.TokenID), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.loans
			(market, position_key, borrower, token_id, account, balance, unpaid_fees, retained,
			 zero_balance, position, closed, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, FALSE, $11)
		ON CONFLICT (market, position_key) DO UPDATE SET
			borrower = EXCLUDED.borrower,
			token_id = EXCLUDED.token_id,
			account = EXCLUDED.account,
			balance = EXCLUDED.balance,
			unpaid_fees = EXCLUDED.unpaid_fees,
			retained = EXCLUDED.retained,
			zero_balance = EXCLUDED.zero_balance,
			position = EXCLUDED.position,
			closed = FALSE,
			last_sequence = EXCLUDED.last_sequence
	`, market, ch.Key, strings.ToLower(p.Borrower.Hex()), tokenID, account,
		dec(p.Balance), dec(p.UnpaidFees), dec(p.Retained), p.ZeroBalanceOption.String(), string(doc), seq)
	return err
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// RebuildProjections rebuilds the balance projection from the journal.
// Loan rows carry contract state the journal does not, so they are left
// for the next snapshot restore to refresh.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
