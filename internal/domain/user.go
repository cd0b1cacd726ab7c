package domain

import "time"

// User represents an authenticated account with its billing and referral state.
type User struct {
	ID                   int64
	Email                string
	PasswordHash         string
	Plan                 string
	Tokens               int
	ReferralCode         string
	ReferredBy           *int64
	StripeCustomerID     string
	StripeSubscriptionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PlanFree is assigned to accounts without an active subscription.
const PlanFree = "free"
