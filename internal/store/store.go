package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CFABridge/internal/models"
	"CFABridge/internal/pricing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrStaleState = errors.New("stale state")
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const transactionColumns = `
	id, user_id, direction, amount_fiat, amount_crypto,
	exchange_rate_at_creation, fees_fiat, fees_crypto,
	final_amount_fiat, final_amount_crypto, status, failure_reason,
	source_wallet, destination_wallet, deposit_address,
	gateway_reference_id, attempts, admin_notes, processed_by,
	processed_at, created_at, updated_at`

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('deposit_derivation_index_seq')").Scan(&idx)
	return idx, err
}

func (s *Store) Create(ctx context.Context, t *models.Transaction) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO transactions (
			id, user_id, direction, amount_fiat, amount_crypto,
			exchange_rate_at_creation, fees_fiat, fees_crypto,
			final_amount_fiat, final_amount_crypto, status, failure_reason,
			source_wallet, destination_wallet, deposit_address,
			gateway_reference_id, attempts, admin_notes, processed_by,
			processed_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		t.ID,
		t.UserID,
		t.Direction,
		t.AmountFiat,
		t.AmountCrypto,
		t.ExchangeRateAtCreation,
		t.FeesFiat,
		t.FeesCrypto,
		nullDecimal(t.FinalAmountFiat),
		nullDecimal(t.FinalAmountCrypto),
		t.Status,
		t.FailureReason,
		t.SourceWallet,
		t.DestinationWallet,
		t.DepositAddress,
		t.GatewayReferenceID,
		t.Attempts,
		t.AdminNotes,
		t.ProcessedBy,
		t.ProcessedAt,
		t.CreatedAt,
		t.UpdatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *Store) List(ctx context.Context, f models.Filter) ([]*models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id=$%d", f.UserID)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.Direction != "" {
		add("direction=$%d", f.Direction)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ListStale returns transactions that have sat in status since before
// olderThan, oldest first.
func (s *Store) ListStale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status=$1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, status, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// Update applies m only if the row is still in expected. A status change is
// recorded in status_history in the same database transaction.
func (s *Store) Update(ctx context.Context, id string, m models.Mutation, expected models.Status) (*models.Transaction, error) {
	sets := []string{"updated_at=$3"}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	args := []any{id, expected, updatedAt}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if m.Status != nil {
		set("status", *m.Status)
	}
	if m.FailureReason != nil {
		set("failure_reason", *m.FailureReason)
	}
	if m.FeesFiat != nil {
		set("fees_fiat", *m.FeesFiat)
	}
	if m.FeesCrypto != nil {
		set("fees_crypto", *m.FeesCrypto)
	}
	if m.FinalAmountFiat != nil {
		set("final_amount_fiat", *m.FinalAmountFiat)
	}
	if m.FinalAmountCrypto != nil {
		set("final_amount_crypto", *m.FinalAmountCrypto)
	}
	if m.GatewayReferenceID != nil {
		set("gateway_reference_id", *m.GatewayReferenceID)
	}
	if m.Attempts != nil {
		set("attempts", *m.Attempts)
	}
	if m.Note != "" {
		args = append(args, m.Note)
		sets = append(sets, fmt.Sprintf("admin_notes=COALESCE(NULLIF(admin_notes, '') || E'\\n', '') || $%d", len(args)))
	}
	if m.ClearProcessed {
		sets = append(sets, "processed_by=NULL", "processed_at=NULL")
	}
	if m.ProcessedBy != nil {
		set("processed_by", *m.ProcessedBy)
	}
	if m.ProcessedAt != nil {
		set("processed_at", *m.ProcessedAt)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE transactions SET `+strings.Join(sets, ", ")+`
		WHERE id=$1 AND status=$2
		RETURNING `+transactionColumns, args...)
	updated, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id=$1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("transaction %s not in %s: %w", id, expected, ErrStaleState)
	}
	if err != nil {
		return nil, err
	}

	if m.Status != nil && *m.Status != expected {
		_, err = tx.Exec(ctx, `
			INSERT INTO status_history (transaction_id, from_status, to_status, actor, reason, changed_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, id, expected, *m.Status, m.Actor, updated.FailureReason, updatedAt)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) History(ctx context.Context, id string) ([]models.StatusChange, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT transaction_id, from_status, to_status, actor, reason, changed_at
		FROM status_history
		WHERE transaction_id=$1
		ORDER BY changed_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusChange
	for rows.Next() {
		var c models.StatusChange
		if err := rows.Scan(&c.TransactionID, &c.From, &c.To, &c.Actor, &c.Reason, &c.At); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestSchedule returns the highest published rate schedule version.
func (s *Store) LatestSchedule(ctx context.Context) (pricing.Schedule, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT version, exchange_rate, gateway_fee_percent, gateway_fixed_fee,
			crypto_withdrawal_fee, payout_flat_fee, mobile_money_fee_percent,
			min_fiat_amount, min_crypto_amount, source, created_at
		FROM rate_schedules
		ORDER BY version DESC
		LIMIT 1
	`)
	var sch pricing.Schedule
	err := row.Scan(
		&sch.Version,
		&sch.ExchangeRate,
		&sch.GatewayFeePercent,
		&sch.GatewayFixedFee,
		&sch.CryptoWithdrawalFee,
		&sch.PayoutFlatFee,
		&sch.MobileMoneyFeePercent,
		&sch.MinFiatAmount,
		&sch.MinCryptoAmount,
		&sch.Source,
		&sch.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pricing.Schedule{}, fmt.Errorf("rate schedule: %w", ErrNotFound)
	}
	return sch, err
}

// SaveSchedule publishes sch as the next version and returns it with the
// assigned version.
func (s *Store) SaveSchedule(ctx context.Context, sch pricing.Schedule) (pricing.Schedule, error) {
	if err := sch.Validate(); err != nil {
		return pricing.Schedule{}, err
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO rate_schedules (
			version, exchange_rate, gateway_fee_percent, gateway_fixed_fee,
			crypto_withdrawal_fee, payout_flat_fee, mobile_money_fee_percent,
			min_fiat_amount, min_crypto_amount, source
		)
		SELECT COALESCE(MAX(version), 0) + 1, $1,$2,$3,$4,$5,$6,$7,$8,$9
		FROM rate_schedules
		RETURNING version, created_at
	`,
		sch.ExchangeRate,
		sch.GatewayFeePercent,
		sch.GatewayFixedFee,
		sch.CryptoWithdrawalFee,
		sch.PayoutFlatFee,
		sch.MobileMoneyFeePercent,
		sch.MinFiatAmount,
		sch.MinCryptoAmount,
		sch.Source,
	)
	if err := row.Scan(&sch.Version, &sch.UpdatedAt); err != nil {
		return pricing.Schedule{}, err
	}
	return sch, nil
}

func collect(rows pgx.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var finalFiat, finalCrypto decimal.NullDecimal
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Direction,
		&t.AmountFiat,
		&t.AmountCrypto,
		&t.ExchangeRateAtCreation,
		&t.FeesFiat,
		&t.FeesCrypto,
		&finalFiat,
		&finalCrypto,
		&t.Status,
		&t.FailureReason,
		&t.SourceWallet,
		&t.DestinationWallet,
		&t.DepositAddress,
		&t.GatewayReferenceID,
		&t.Attempts,
		&t.AdminNotes,
		&t.ProcessedBy,
		&t.ProcessedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if finalFiat.Valid {
		t.FinalAmountFiat = &finalFiat.Decimal
	}
	if finalCrypto.Valid {
		t.FinalAmountCrypto = &finalCrypto.Decimal
	}
	return &t, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
