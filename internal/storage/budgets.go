package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/voxdesk/internal/model"
)

// NUMERIC columns are cast to float8 on the way out so they scan into float64.
const budgetColumns = `user_id, total_budget::float8, used_amount::float8,
	last_updated, next_refresh_date, plan_type, openai_api_key`

// EnsureUserBudget returns the user's budget, creating a free-plan budget of
// total with the given first refresh date when none exists.
func (db *DB) EnsureUserBudget(ctx context.Context, userID string, total float64, nextRefresh time.Time) (model.UserBudget, error) {
	// The no-op DO UPDATE makes RETURNING yield the existing row.
	row := db.pool.QueryRow(ctx,
		`INSERT INTO user_budgets (user_id, total_budget, used_amount, last_updated, next_refresh_date, plan_type)
		 VALUES ($1, $2, 0, $3, $4, 'free')
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING `+budgetColumns,
		userID, total, time.Now().UTC(), nextRefresh.UTC(),
	)
	b, err := scanBudget(row)
	if err != nil {
		return model.UserBudget{}, fmt.Errorf("storage: ensure user budget: %w", err)
	}
	return b, nil
}

// GetUserBudget returns the budget for userID.
func (db *DB) GetUserBudget(ctx context.Context, userID string) (model.UserBudget, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+budgetColumns+` FROM user_budgets WHERE user_id = $1`, userID)
	b, err := scanBudget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserBudget{}, fmt.Errorf("storage: budget %s: %w", userID, ErrNotFound)
		}
		return model.UserBudget{}, fmt.Errorf("storage: get user budget: %w", err)
	}
	return b, nil
}

// ChargeUsage adds the final cost of sessionID to a free-plan budget. A
// refresh that has come due by now is applied in the same statement, before
// the charge. The charge is recorded in usage_charges keyed by (user_id,
// session_id), so replaying a session's final cost returns the budget
// without charging again.
//
// The budget row is locked before the limit check, so the check always sees
// the latest used amount. When the charge would exceed total_budget nothing is
// written and ErrBudgetExceeded is returned. Callers resolve the plan first: a
// byok or missing budget also matches no row.
func (db *DB) ChargeUsage(ctx context.Context, userID, sessionID string, cost float64, now time.Time, refreshEvery time.Duration) (model.UserBudget, error) {
	row := db.pool.QueryRow(ctx,
		`WITH ins AS (
		   INSERT INTO usage_charges (user_id, session_id, amount, created_at)
		   SELECT b.user_id, $5::text, $2::numeric, $3
		   FROM (
		     SELECT user_id FROM user_budgets
		     WHERE user_id = $1
		       AND plan_type = 'free'
		       AND (CASE WHEN next_refresh_date <= $3 THEN 0 ELSE used_amount END) + $2::numeric <= total_budget
		     FOR UPDATE
		   ) b
		   ON CONFLICT (user_id, session_id) DO NOTHING
		   RETURNING user_id, amount
		 ), upd AS (
		   UPDATE user_budgets u SET
		     used_amount = (CASE WHEN u.next_refresh_date <= $3 THEN 0 ELSE u.used_amount END) + ins.amount,
		     next_refresh_date = CASE WHEN u.next_refresh_date <= $3
		                              THEN $3 + make_interval(secs => $4::float8)
		                              ELSE u.next_refresh_date END,
		     last_updated = $3
		   FROM ins WHERE u.user_id = ins.user_id
		   RETURNING u.user_id, u.total_budget, u.used_amount, u.last_updated,
		     u.next_refresh_date, u.plan_type, u.openai_api_key
		 )
		 SELECT `+budgetColumns+` FROM upd
		 UNION ALL
		 SELECT `+budgetColumns+` FROM user_budgets
		 WHERE user_id = $1
		   AND NOT EXISTS (SELECT 1 FROM ins)
		   AND EXISTS (SELECT 1 FROM usage_charges WHERE user_id = $1 AND session_id = $5)`,
		userID, cost, now.UTC(), refreshEvery.Seconds(), sessionID,
	)
	b, err := scanBudget(row)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.UserBudget{}, fmt.Errorf("storage: charge usage: %w", err)
	}

	// A concurrent charge for the same session commits after this statement's
	// snapshot; a fresh read tells a replay from a rejected charge.
	b, err = scanBudget(db.pool.QueryRow(ctx,
		`SELECT `+budgetColumns+` FROM user_budgets
		 WHERE user_id = $1
		   AND EXISTS (SELECT 1 FROM usage_charges WHERE user_id = $1 AND session_id = $2)`,
		userID, sessionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserBudget{}, fmt.Errorf("storage: charge %s: %w", userID, ErrBudgetExceeded)
		}
		return model.UserBudget{}, fmt.Errorf("storage: read back charge: %w", err)
	}
	return b, nil
}

// RefreshDueBudgets resets used_amount on every budget whose refresh date has
// passed and schedules the next refresh one interval after now. Returns the
// number of budgets refreshed.
func (db *DB) RefreshDueBudgets(ctx context.Context, now time.Time, refreshEvery time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE user_budgets SET
		   used_amount = 0,
		   next_refresh_date = $1 + make_interval(secs => $2::float8),
		   last_updated = $1
		 WHERE next_refresh_date <= $1`,
		now.UTC(), refreshEvery.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: refresh due budgets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetUserPlan switches the plan and stores the (already sealed) API key.
// A nil key clears the column.
func (db *DB) SetUserPlan(ctx context.Context, userID string, plan model.PlanType, sealedKey *string) (model.UserBudget, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE user_budgets SET plan_type = $2, openai_api_key = $3, last_updated = $4
		 WHERE user_id = $1
		 RETURNING `+budgetColumns,
		userID, string(plan), sealedKey, time.Now().UTC(),
	)
	b, err := scanBudget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserBudget{}, fmt.Errorf("storage: budget %s: %w", userID, ErrNotFound)
		}
		return model.UserBudget{}, fmt.Errorf("storage: set user plan: %w", err)
	}
	return b, nil
}

func scanBudget(row pgx.Row) (model.UserBudget, error) {
	var (
		b    model.UserBudget
		plan string
	)
	if err := row.Scan(
		&b.UserID, &b.TotalBudget, &b.UsedAmount,
		&b.LastUpdated, &b.NextRefreshDate, &plan, &b.OpenAIAPIKey,
	); err != nil {
		return model.UserBudget{}, err
	}
	b.PlanType = model.PlanType(plan)
	return b, nil
}

// CreditTopUp raises a user's total_budget by amount for a completed
// checkout, recording the checkout id so a redelivered webhook credits
// nothing. applied is false when the checkout was already recorded or the
// user has no budget row.
func (db *DB) CreditTopUp(ctx context.Context, checkoutID, userID string, amount float64) (b model.UserBudget, applied bool, err error) {
	row := db.pool.QueryRow(ctx,
		`WITH ins AS (
		   INSERT INTO budget_topups (checkout_session_id, user_id, amount, created_at)
		   VALUES ($1, $2, $3::numeric, $4)
		   ON CONFLICT (checkout_session_id) DO NOTHING
		   RETURNING user_id, amount
		 )
		 UPDATE user_budgets u SET
		   total_budget = u.total_budget + ins.amount,
		   last_updated = $4
		 FROM ins WHERE u.user_id = ins.user_id
		 RETURNING u.user_id, u.total_budget::float8, u.used_amount::float8,
		   u.last_updated, u.next_refresh_date, u.plan_type, u.openai_api_key`,
		checkoutID, userID, amount, time.Now().UTC(),
	)
	b, err = scanBudget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserBudget{}, false, nil
		}
		return model.UserBudget{}, false, fmt.Errorf("storage: credit top-up: %w", err)
	}
	return b, true, nil
}
