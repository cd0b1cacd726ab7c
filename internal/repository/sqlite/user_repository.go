package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"variant-studio/internal/domain"
	"variant-studio/internal/repository"
)

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	plan TEXT NOT NULL DEFAULT 'free',
	tokens INTEGER NOT NULL DEFAULT 0,
	referral_code TEXT NOT NULL UNIQUE,
	referred_by INTEGER NULL REFERENCES users(id) ON DELETE SET NULL,
	stripe_customer_id TEXT NOT NULL DEFAULT '',
	stripe_subscription_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_stripe_customer ON users(stripe_customer_id);
CREATE INDEX IF NOT EXISTS idx_users_stripe_subscription ON users(stripe_subscription_id);
CREATE TABLE IF NOT EXISTS billing_events (
	event_id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	tokens INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
`

const selectUserColumns = `
SELECT id, email, password_hash, plan, tokens, referral_code, referred_by, stripe_customer_id, stripe_subscription_id, created_at, updated_at
FROM users`

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) repository.UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createUsersTable); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) (int64, error) {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Plan == "" {
		user.Plan = domain.PlanFree
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO users (email, password_hash, plan, tokens, referral_code, referred_by, stripe_customer_id, stripe_subscription_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Email,
		user.PasswordHash,
		user.Plan,
		user.Tokens,
		user.ReferralCode,
		nullInt64(user.ReferredBy),
		user.StripeCustomerID,
		user.StripeSubscriptionID,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return 0, fmt.Errorf("insert user: %w", repository.ErrConflict)
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user last insert id: %w", err)
	}
	user.ID = id
	return id, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE id = ?`, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE email = ?`, email))
}

func (r *UserRepository) GetByReferralCode(ctx context.Context, code string) (*domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE referral_code = ?`, code))
}

func (r *UserRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	if customerID == "" {
		return nil, repository.ErrNotFound
	}
	return scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE stripe_customer_id = ?`, customerID))
}

func (r *UserRepository) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*domain.User, error) {
	if subscriptionID == "" {
		return nil, repository.ErrNotFound
	}
	return scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE stripe_subscription_id = ?`, subscriptionID))
}

func (r *UserRepository) SetStripeCustomer(ctx context.Context, id int64, customerID string) error {
	return r.exec(ctx, "set stripe customer", `
UPDATE users
SET stripe_customer_id=?, updated_at=?
WHERE id=?`, customerID, time.Now().UTC(), id)
}

func (r *UserRepository) SetSubscription(ctx context.Context, id int64, plan, subscriptionID string) error {
	return r.exec(ctx, "set subscription", `
UPDATE users
SET plan=?, stripe_subscription_id=?, updated_at=?
WHERE id=?`, plan, subscriptionID, time.Now().UTC(), id)
}

func (r *UserRepository) AddTokens(ctx context.Context, id int64, amount int) error {
	return r.exec(ctx, "add tokens", `
UPDATE users
SET tokens=tokens+?, updated_at=?
WHERE id=?`, amount, time.Now().UTC(), id)
}

func (r *UserRepository) CreditTokensOnce(ctx context.Context, eventID string, id int64, amount int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO billing_events (event_id, user_id, tokens, created_at)
VALUES (?, ?, ?, ?)`, eventID, id, amount, now)
	if err != nil {
		return false, fmt.Errorf("record billing event: %w", err)
	}
	if aff, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("record billing event rows affected: %w", err)
	} else if aff == 0 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx, `
UPDATE users
SET tokens=tokens+?, updated_at=?
WHERE id=?`, amount, now, id)
	if err != nil {
		return false, fmt.Errorf("credit tokens: %w", err)
	}
	if aff, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("credit tokens rows affected: %w", err)
	} else if aff == 0 {
		return false, fmt.Errorf("credit tokens: user %w", repository.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit credit: %w", err)
	}
	return true, nil
}

func (r *UserRepository) SpendTokens(ctx context.Context, id int64, amount int) error {
	if amount <= 0 {
		return nil
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE users
SET tokens=tokens-?, updated_at=?
WHERE id=? AND tokens >= ?`, amount, time.Now().UTC(), id, amount)
	if err != nil {
		return fmt.Errorf("spend tokens: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("spend tokens rows affected: %w", err)
	}
	if aff == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return repository.ErrInsufficientTokens
	}
	return nil
}

func (r *UserRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: user %w", op, repository.ErrNotFound)
	}
	return nil
}

func scanUser(row interface {
	Scan(dest ...any) error
}) (*domain.User, error) {
	var (
		user       domain.User
		referredBy sql.NullInt64
	)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Plan,
		&user.Tokens,
		&user.ReferralCode,
		&referredBy,
		&user.StripeCustomerID,
		&user.StripeSubscriptionID,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if referredBy.Valid {
		v := referredBy.Int64
		user.ReferredBy = &v
	}
	return &user, nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
