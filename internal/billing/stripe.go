// Package billing talks to the payment provider: customers, subscription
// checkout sessions and signed webhook events.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventSubscriptionCreated     = "customer.subscription.created"
)

// ErrInvalidSignature is returned for webhook payloads that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// CheckoutParams describes a subscription checkout for one price.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Event is the subset of a provider event the application reacts to.
type Event struct {
	ID             string
	Type           string
	CustomerID     string
	SubscriptionID string
	Plan           string
}

// Provider is the payment provider boundary.
type Provider interface {
	CreateCustomer(ctx context.Context, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)
	ParseWebhook(payload []byte, signature string) (Event, error)
}

// Stripe implements Provider with the Stripe API.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

func NewStripe(secretKey, webhookSecret string) *Stripe {
	return &Stripe{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

func (s *Stripe) CreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	cust, err := s.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return cust.ID, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(p.CustomerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.Context = ctx
	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.ID, nil
}

func (s *Stripe) ParseWebhook(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(ev)
}

type invoiceObject struct {
	Customer     json.RawMessage `json:"customer"`
	Subscription json.RawMessage `json:"subscription"`
}

type subscriptionObject struct {
	ID       string          `json:"id"`
	Customer json.RawMessage `json:"customer"`
	Items    struct {
		Data []struct {
			Price struct {
				ID       string `json:"id"`
				Nickname string `json:"nickname"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func decodeEvent(ev stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}

	var err error
	switch out.Type {
	case EventInvoicePaymentSucceeded:
		var inv invoiceObject
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return out, fmt.Errorf("decode invoice: %w", err)
		}
		if out.CustomerID, err = expandableID(inv.Customer); err != nil {
			return out, err
		}
		if out.SubscriptionID, err = expandableID(inv.Subscription); err != nil {
			return out, err
		}
	case EventSubscriptionCreated:
		var sub subscriptionObject
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return out, fmt.Errorf("decode subscription: %w", err)
		}
		out.SubscriptionID = sub.ID
		if out.CustomerID, err = expandableID(sub.Customer); err != nil {
			return out, err
		}
		if len(sub.Items.Data) > 0 {
			out.Plan = sub.Items.Data[0].Price.Nickname
		}
	}
	return out, nil
}

// expandableID reads a field that is either an id string or an expanded
// object carrying an id.
func expandableID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("decode id: %w", err)
		}
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decode expanded object: %w", err)
	}
	return obj.ID, nil
}

var _ Provider = (*Stripe)(nil)
