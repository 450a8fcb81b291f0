package psp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeClient charges cards through Stripe PaymentIntents. Stripe has no
// PIX support here, so PIX charges are rejected as a business error.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a Stripe-backed client.
func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api}
}

// Charge confirms a PaymentIntent for the given card token.
func (c *StripeClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Method != "card" {
		return nil, &Error{Code: "method_not_supported", Message: "this provider only supports card payments"}
	}
	if req.CardToken == "" {
		return nil, &Error{Code: "missing_card_token", Message: "card payments require a card token"}
	}

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"reference": req.Reference,
			},
		},
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.CardToken),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.Description),
		ReceiptEmail:  stripe.String(req.PayerEmail),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}

	intent, err := c.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			switch stripeErr.Type {
			case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
				code := string(stripeErr.Code)
				if stripeErr.DeclineCode != "" {
					code = string(stripeErr.DeclineCode)
				}
				return nil, &Error{Code: code, Message: stripeErr.Msg}
			}
		}
		return nil, fmt.Errorf("stripe charge failed: %w", err)
	}

	result := &ChargeResult{
		GatewayTransactionID: intent.ID,
		Status:               string(intent.Status),
	}
	if intent.LastResponse != nil {
		result.Raw = intent.LastResponse.RawJSON
	}
	return result, nil
}
