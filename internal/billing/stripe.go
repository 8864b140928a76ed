package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

// StripeConfig configures Stripe verification and checkout.
type StripeConfig struct {
	APIKey   string
	Currency string
	// Prices maps a Stripe price ID to the tier it buys.
	Prices map[string]entitlements.Tier
}

// PriceFor returns the configured price ID for tier.
func (c StripeConfig) PriceFor(tier entitlements.Tier) (string, bool) {
	for price, t := range c.Prices {
		if t == tier {
			return price, true
		}
	}
	return "", false
}

// StripeVerifier confirms Checkout Sessions by fetching them from Stripe.
type StripeVerifier struct {
	cfg                StripeConfig
	getCheckoutSession func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewStripeVerifier creates a verifier using the Stripe API. The API key is
// bound to the verifier rather than the package-wide stripe.Key.
func NewStripeVerifier(cfg StripeConfig) *StripeVerifier {
	return newStripeVerifier(cfg, stripe.GetBackend(stripe.APIBackend))
}

func newStripeVerifier(cfg StripeConfig, backend stripe.Backend) *StripeVerifier {
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	sessions := stripesession.Client{B: backend, Key: strings.TrimSpace(cfg.APIKey)}
	return &StripeVerifier{
		cfg:                cfg,
		getCheckoutSession: sessions.Get,
	}
}

// Verify implements Verifier.
func (v *StripeVerifier) Verify(ctx context.Context, reference string) (*Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(reference, "cs_") {
		return nil, verificationFailure("reference %q is not a checkout session", reference)
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")

	session, err := v.getCheckoutSession(reference, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, verificationFailure("checkout session not found")
		}
		return nil, fmt.Errorf("fetch checkout session: %w", err)
	}
	if session == nil {
		return nil, verificationFailure("checkout session not found")
	}

	if session.Status != stripe.CheckoutSessionStatusComplete {
		return nil, verificationFailure("checkout session status is %q", session.Status)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, verificationFailure("payment status is %q", session.PaymentStatus)
	}
	if session.AmountTotal <= 0 {
		return nil, verificationFailure("amount total is %d", session.AmountTotal)
	}
	currency := strings.ToLower(string(session.Currency))
	if v.cfg.Currency != "" && currency != v.cfg.Currency {
		return nil, verificationFailure("currency %q does not match %q", currency, v.cfg.Currency)
	}

	tier, err := v.tierFromLineItems(session)
	if err != nil {
		return nil, err
	}

	identity := strings.TrimSpace(session.ClientReferenceID)
	if identity == "" {
		return nil, verificationFailure("checkout session has no client reference")
	}

	return &Verification{
		Reference:   session.ID,
		Identity:    identity,
		Tier:        tier,
		AmountTotal: session.AmountTotal,
		Currency:    currency,
	}, nil
}

// tierFromLineItems returns the highest tier bought in the session.
func (v *StripeVerifier) tierFromLineItems(session *stripe.CheckoutSession) (entitlements.Tier, error) {
	if session.LineItems == nil || len(session.LineItems.Data) == 0 {
		return "", verificationFailure("checkout session has no line items")
	}

	var best entitlements.Tier
	for _, item := range session.LineItems.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier, ok := v.cfg.Prices[item.Price.ID]
		if !ok {
			continue
		}
		if best == "" || tier.Rank() > best.Rank() {
			best = tier
		}
	}
	if best == "" {
		return "", verificationFailure("no line item matches a configured price")
	}
	return best, nil
}

// CheckoutCreator opens Stripe Checkout Sessions bound to an identity.
type CheckoutCreator struct {
	cfg                   StripeConfig
	baseURL               string
	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewCheckoutCreator creates a CheckoutCreator. baseURL is the public URL of
// this service, used for the success and cancel redirects.
func NewCheckoutCreator(cfg StripeConfig, baseURL string) *CheckoutCreator {
	return newCheckoutCreator(cfg, baseURL, stripe.GetBackend(stripe.APIBackend))
}

func newCheckoutCreator(cfg StripeConfig, baseURL string, backend stripe.Backend) *CheckoutCreator {
	sessions := stripesession.Client{B: backend, Key: strings.TrimSpace(cfg.APIKey)}
	return &CheckoutCreator{
		cfg:                   cfg,
		baseURL:               strings.TrimRight(baseURL, "/"),
		createCheckoutSession: sessions.New,
	}
}

// Create returns the hosted checkout URL for identity to buy tier.
func (c *CheckoutCreator) Create(ctx context.Context, identity string, tier entitlements.Tier) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("checkout requires an identity")
	}
	price, ok := c.cfg.PriceFor(tier)
	if !ok {
		return "", fmt.Errorf("tier %q is not for sale", tier)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.baseURL + "/billing/return?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(c.baseURL + "/?checkout=cancelled"),
		ClientReferenceID: stripe.String(identity),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(price),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("tier", string(tier))

	session, err := c.createCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if session == nil || session.URL == "" {
		return "", fmt.Errorf("create checkout session: empty response")
	}
	return session.URL, nil
}
