package repository

import (
	"context"
	"errors"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageRepository is the durable counter store for token and image quotas.
// The compare-and-increment happens inside a single conditional upsert so
// concurrent reservations for the same key cannot race the limit check; the
// caller is stateless and requests may run on independent processes.
type UsageRepository interface {
	// ReserveTokens atomically adds (addInput + addOutput) to the counter if
	// the post-increment total stays within limit. It returns the
	// post-increment total and whether the reservation was applied. A
	// rejected reservation leaves the counter untouched.
	ReserveTokens(ctx context.Context, period model.QuotaPeriod, userID, periodKey, modelID string, addInput, addOutput, limit int64) (int64, bool, error)
	// AdjustTokens applies signed deltas to an existing counter row, clamping
	// each direction at zero. Negative deltas refund an over-estimate or roll
	// back a failed reservation.
	AdjustTokens(ctx context.Context, period model.QuotaPeriod, userID, periodKey, modelID string, deltaInput, deltaOutput int64) error
	// GetTokenUsage reads the accumulated usage for a counter row. A missing
	// row reads as zero usage.
	GetTokenUsage(ctx context.Context, period model.QuotaPeriod, userID, periodKey, modelID string) (model.TokenUsage, error)
	// ConsumeImageSlot atomically increments the per-day image counter if the
	// post-increment count stays within limit.
	ConsumeImageSlot(ctx context.Context, userID, day, modelID string, limit int64) (int64, bool, error)
}

type usageRepo struct {
	pool *pgxpool.Pool
}

// NewUsageRepo creates a new UsageRepository.
func NewUsageRepo(pool *pgxpool.Pool) UsageRepository {
	return &usageRepo{pool: pool}
}

func counterTable(period model.QuotaPeriod) (table, keyColumn string, err error) {
	switch period {
	case model.PeriodDaily:
		return "ai_usage_daily", "day", nil
	case model.PeriodMonthly:
		return "ai_usage_monthly", "month", nil
	default:
		return "", "", fmt.Errorf("no counter table for period %q", period)
	}
}

func (r *usageRepo) ReserveTokens(ctx context.Context, period model.QuotaPeriod, userID, periodKey, modelID string, addInput, addOutput, limit int64) (int64, bool, error) {
	table, keyCol, err := counterTable(period)
	if err != nil {
		return 0, false, err
	}
	// The insert branch covers a fresh period row, the conflict branch an
	// existing one; both re-check the limit inside the statement.
	q := fmt.Sprintf(`
        INSERT INTO %[1]s (user_id, %[2]s, model, input_tokens, output_tokens)
        SELECT $1, $2, $3, $4, $5
        WHERE $4 + $5 <= $6
        ON CONFLICT (user_id, %[2]s, model) DO UPDATE
        SET input_tokens  = %[1]s.input_tokens + EXCLUDED.input_tokens,
            output_tokens = %[1]s.output_tokens + EXCLUDED.output_tokens
        WHERE %[1]s.input_tokens + %[1]s.output_tokens + $4 + $5 <= $6
        RETURNING input_tokens + output_tokens
    `, table, keyCol)

	var used int64
	err = r.pool.QueryRow(ctx, q, userID, periodKey, modelID, addInput, addOutput, limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reserving %d+%d tokens for user %s: %w", addInput, addOutput, userID, err)
	}
	return used, true, nil
}

func (r *usageRepo) AdjustTokens(ctx context.Context, period model.QuotaPeriod, userID, periodKey, modelID string, deltaInput, deltaOutput int64) error {
	table, keyCol, err := counterTable(period)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`
        UPDATE %[1]s
        SET input_tokens  = GREATEST(0, input_tokens + $4),
            output_tokens = GREATEST(0, output_tokens + $5)
        WHERE user_id = $1 AND %[2]s = $2 AND model = $3
    `, table, keyCol)

	if _, err := r.pool.Exec(ctx, q, userID, periodKey, modelID, deltaInput, deltaOutput); err != nil {
		return fmt.Errorf("adjusting tokens for user %s: %w", userID, err)
	}
	return nil
}

func (r *usageRepo) GetTokenUsage(ctx context.Context, period model.QuotaPeriod, userID, periodKey, modelID string) (model.TokenUsage, error) {
	table, keyCol, err := counterTable(period)
	if err != nil {
		return model.TokenUsage{}, err
	}
	q := fmt.Sprintf(`
        SELECT input_tokens, output_tokens
        FROM %[1]s
        WHERE user_id = $1 AND %[2]s = $2 AND model = $3
    `, table, keyCol)

	var usage model.TokenUsage
	err = r.pool.QueryRow(ctx, q, userID, periodKey, modelID).Scan(&usage.InputTokens, &usage.OutputTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TokenUsage{}, nil
	}
	if err != nil {
		return model.TokenUsage{}, fmt.Errorf("fetching token usage for user %s: %w", userID, err)
	}
	return usage, nil
}

func (r *usageRepo) ConsumeImageSlot(ctx context.Context, userID, day, modelID string, limit int64) (int64, bool, error) {
	const q = `
        INSERT INTO ai_image_usage_daily (user_id, day, model, count)
        SELECT $1, $2, $3, 1
        WHERE 1 <= $4
        ON CONFLICT (user_id, day, model) DO UPDATE
        SET count = ai_image_usage_daily.count + 1
        WHERE ai_image_usage_daily.count + 1 <= $4
        RETURNING count
    `
	var count int64
	err := r.pool.QueryRow(ctx, q, userID, day, modelID, limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consuming image slot for user %s: %w", userID, err)
	}
	return count, true, nil
}
