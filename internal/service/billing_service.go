package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"variant-studio/internal/billing"
	"variant-studio/internal/repository"
)

var (
	// ErrBillingDisabled is returned when no payment provider is configured.
	ErrBillingDisabled = errors.New("billing is not configured")
	// ErrInvalidPlan is returned for an empty plan price id.
	ErrInvalidPlan = errors.New("plan is required")
)

// BillingService sells subscriptions and applies provider events to accounts.
type BillingService interface {
	Checkout(ctx context.Context, userID int64, priceID string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	HandleEvent(ctx context.Context, event billing.Event) error
}

type BillingConfig struct {
	TokensPerInvoice int
	SuccessURL       string
	CancelURL        string
	Logger           *logrus.Logger
}

type billingService struct {
	cfg      BillingConfig
	users    repository.UserRepository
	provider billing.Provider
}

// NewBillingService builds the service. A nil provider disables checkout and
// webhooks.
func NewBillingService(cfg BillingConfig, users repository.UserRepository, provider billing.Provider) BillingService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &billingService{
		cfg:      cfg,
		users:    users,
		provider: provider,
	}
}

func (s *billingService) Checkout(ctx context.Context, userID int64, priceID string) (string, error) {
	if s.provider == nil {
		return "", ErrBillingDisabled
	}
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", ErrInvalidPlan
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}

	customerID := user.StripeCustomerID
	if customerID == "" {
		customerID, err = s.provider.CreateCustomer(ctx, user.Email)
		if err != nil {
			return "", err
		}
		if err := s.users.SetStripeCustomer(ctx, user.ID, customerID); err != nil {
			return "", fmt.Errorf("store customer id: %w", err)
		}
		s.cfg.Logger.WithField("user_id", user.ID).Infof("created billing customer %s", customerID)
	}

	return s.provider.CreateCheckoutSession(ctx, billing.CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
}

func (s *billingService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.provider == nil {
		return ErrBillingDisabled
	}
	event, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		return err
	}
	return s.HandleEvent(ctx, event)
}

// HandleEvent applies a verified event. Events for unknown accounts and
// unhandled event types are acknowledged without changes.
func (s *billingService) HandleEvent(ctx context.Context, event billing.Event) error {
	logger := s.cfg.Logger.WithField("event_id", event.ID).WithField("event_type", event.Type)

	switch event.Type {
	case billing.EventInvoicePaymentSucceeded:
		if event.SubscriptionID == "" {
			return nil
		}
		user, err := s.users.GetByStripeSubscriptionID(ctx, event.SubscriptionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				logger.Warnf("no user for subscription %s", event.SubscriptionID)
				return nil
			}
			return err
		}
		if event.ID == "" {
			if err := s.users.AddTokens(ctx, user.ID, s.cfg.TokensPerInvoice); err != nil {
				return err
			}
		} else {
			credited, err := s.users.CreditTokensOnce(ctx, event.ID, user.ID, s.cfg.TokensPerInvoice)
			if err != nil {
				return err
			}
			if !credited {
				logger.WithField("user_id", user.ID).Info("invoice already credited")
				return nil
			}
		}
		logger.WithField("user_id", user.ID).Infof("credited %d tokens", s.cfg.TokensPerInvoice)

	case billing.EventSubscriptionCreated:
		if event.CustomerID == "" {
			return nil
		}
		user, err := s.users.GetByStripeCustomerID(ctx, event.CustomerID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				logger.Warnf("no user for customer %s", event.CustomerID)
				return nil
			}
			return err
		}
		plan := event.Plan
		if plan == "" {
			plan = user.Plan
		}
		if err := s.users.SetSubscription(ctx, user.ID, plan, event.SubscriptionID); err != nil {
			return err
		}
		logger.WithField("user_id", user.ID).Infof("subscription %s active on plan %q", event.SubscriptionID, plan)

	default:
		logger.Debug("ignoring billing event")
	}
	return nil
}
