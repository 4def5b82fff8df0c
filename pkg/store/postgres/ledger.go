package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/store"
)

// acquireClaimSQL flips an absent or idle claim to in-queue in one statement.
// RETURNING yields no row when the claim is in-queue or its lease has not lapsed.
const acquireClaimSQL = `
INSERT INTO order_status (order_id, in_queue) VALUES ($1, TRUE)
ON CONFLICT (order_id) DO UPDATE SET in_queue = TRUE, lease_until = NULL
WHERE order_status.in_queue = FALSE
  AND (order_status.lease_until IS NULL OR order_status.lease_until <= $2)
RETURNING order_id`

func (s *Store) AcquireClaim(ctx context.Context, orderID string, now time.Time) (bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, acquireClaimSQL, orderID, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire claim for order %s: %w", orderID, err)
	}
	return true, nil
}

func (s *Store) ConsumeClaim(ctx context.Context, orderID string, leaseUntil time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE order_status SET in_queue = FALSE, lease_until = $2 WHERE order_id = $1 AND in_queue = TRUE`,
		orderID, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("failed to consume claim for order %s: %w", orderID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseLease(ctx context.Context, orderID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM order_status WHERE order_id = $1 AND in_queue = FALSE`, orderID); err != nil {
		return fmt.Errorf("failed to release lease for order %s: %w", orderID, err)
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, orderID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM order_status WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("failed to release claim for order %s: %w", orderID, err)
	}
	return nil
}

func (s *Store) GetClaim(ctx context.Context, orderID string) (*models.Claim, error) {
	claim := models.Claim{OrderID: orderID}
	var leaseUntil *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT in_queue, lease_until FROM order_status WHERE order_id = $1`, orderID).Scan(&claim.InQueue, &leaseUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim %s: %w", orderID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim for order %s: %w", orderID, err)
	}
	claim.LeaseUntil = timeOrZero(leaseUntil)
	return &claim, nil
}

const historyColumns = `
    order_id, user_id, wallet_owner_address, deposited_token_address, desired_token_address,
    deposited_token_amount::text, is_native_eth, unit_of_time, frequency, is_limit_order,
    market_cap_target::text, status, message, transaction_hash, last_updated_at, next_update_at`

func scanHistory(row pgx.Row) (*models.StatusHistory, error) {
	var (
		h                         models.StatusHistory
		amount, target, unit, st  string
		lastUpdatedAt, nextUpdate *time.Time
	)
	err := row.Scan(
		&h.OrderID,
		&h.UserID,
		&h.WalletOwnerAddress,
		&h.DepositedTokenAddress,
		&h.DesiredTokenAddress,
		&amount,
		&h.IsNativeETH,
		&unit,
		&h.Frequency,
		&h.IsLimitOrder,
		&target,
		&st,
		&h.Message,
		&h.TransactionHash,
		&lastUpdatedAt,
		&nextUpdate,
	)
	if err != nil {
		return nil, err
	}

	if h.DepositedTokenAmount, err = parseDecimal("deposited_token_amount", amount); err != nil {
		return nil, err
	}
	if h.MarketCapTarget, err = parseDecimal("market_cap_target", target); err != nil {
		return nil, err
	}
	h.UnitOfTime = models.TimeUnit(unit)
	h.Status = models.HistoryStatus(st)
	h.LastUpdatedAt = timeOrZero(lastUpdatedAt)
	h.NextUpdateAt = timeOrZero(nextUpdate)
	return &h, nil
}

func (s *Store) PutHistory(ctx context.Context, h models.StatusHistory) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_status_history (
			order_id, user_id, wallet_owner_address, deposited_token_address, desired_token_address,
			deposited_token_amount, is_native_eth, unit_of_time, frequency, is_limit_order,
			market_cap_target, status, message, transaction_hash, last_updated_at, next_update_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11::numeric, $12, $13, $14, $15, $16)
		ON CONFLICT (order_id) DO UPDATE SET
			user_id                 = EXCLUDED.user_id,
			wallet_owner_address    = EXCLUDED.wallet_owner_address,
			deposited_token_address = EXCLUDED.deposited_token_address,
			desired_token_address   = EXCLUDED.desired_token_address,
			deposited_token_amount  = EXCLUDED.deposited_token_amount,
			is_native_eth           = EXCLUDED.is_native_eth,
			unit_of_time            = EXCLUDED.unit_of_time,
			frequency               = EXCLUDED.frequency,
			is_limit_order          = EXCLUDED.is_limit_order,
			market_cap_target       = EXCLUDED.market_cap_target,
			status                  = EXCLUDED.status,
			message                 = EXCLUDED.message,
			transaction_hash        = EXCLUDED.transaction_hash,
			last_updated_at         = EXCLUDED.last_updated_at,
			next_update_at          = EXCLUDED.next_update_at`,
		h.OrderID, h.UserID, h.WalletOwnerAddress, h.DepositedTokenAddress, h.DesiredTokenAddress,
		h.DepositedTokenAmount.String(), h.IsNativeETH, string(h.UnitOfTime), h.Frequency, h.IsLimitOrder,
		h.MarketCapTarget.String(), string(h.Status), h.Message, h.TransactionHash,
		nullableTime(h.LastUpdatedAt), nullableTime(h.NextUpdateAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write history for order %s: %w", h.OrderID, err)
	}
	return nil
}

func (s *Store) GetHistory(ctx context.Context, orderID string) (*models.StatusHistory, error) {
	h, err := scanHistory(s.pool.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM order_status_history WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("history %s: %w", orderID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history for order %s: %w", orderID, err)
	}
	return h, nil
}

func (s *Store) ListHistoryByUser(ctx context.Context, userID string) ([]models.StatusHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+historyColumns+` FROM order_status_history
		WHERE user_id = $1
		ORDER BY last_updated_at DESC NULLS LAST, order_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for user %s: %w", userID, err)
	}
	defer rows.Close()

	history := make([]models.StatusHistory, 0)
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		history = append(history, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return history, nil
}

func (s *Store) UpdateHistory(ctx context.Context, orderID string, update models.OrderUpdate) error {
	query, arg, err := updateAssignment(update)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `UPDATE order_status_history SET `+query+` WHERE order_id = $1`, orderID, arg)
	if err != nil {
		return fmt.Errorf("failed to update %s of history %s: %w", update.Field(), orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history %s: %w", orderID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteHistory(ctx context.Context, orderID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM order_status_history WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("failed to delete history for order %s: %w", orderID, err)
	}
	return nil
}
