package repository

import (
	"context"
	"errors"

	"variant-studio/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("already exists")
	// ErrInsufficientTokens is returned when a debit would overdraw a balance.
	ErrInsufficientTokens = errors.New("insufficient tokens")
)

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByReferralCode(ctx context.Context, code string) (*domain.User, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*domain.User, error)
	GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*domain.User, error)
	SetStripeCustomer(ctx context.Context, id int64, customerID string) error
	SetSubscription(ctx context.Context, id int64, plan, subscriptionID string) error
	AddTokens(ctx context.Context, id int64, amount int) error
	// CreditTokensOnce adds amount for a provider event and records the event
	// id in the same transaction. It reports false when the event was already
	// credited.
	CreditTokensOnce(ctx context.Context, eventID string, id int64, amount int) (bool, error)
	SpendTokens(ctx context.Context, id int64, amount int) error
}
