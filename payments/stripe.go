// Package payments bridges to Stripe: payment intents and checkout sessions
// for a course purchase, payment status lookups for enrollment confirmation,
// and signed webhook parsing.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/enrollment"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Metadata keys binding a payment to one (user, course) pair.
const (
	MetaUserID   = "user_id"
	MetaCourseID = "course_id"
)

var (
	// ErrUnknownPayment is returned when Stripe has no payment under a ref.
	ErrUnknownPayment = errors.New("unknown payment reference")
	// ErrInvalidSignature is returned for webhooks that fail verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrWebhookNotConfigured is returned when no signing secret is set.
	ErrWebhookNotConfigured = errors.New("webhook signing secret not configured")
	// ErrMalformedEvent is returned for a correctly signed event whose
	// object cannot be decoded. Redelivery would fail the same way.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrFreeCourse is returned when asked to charge for a zero-price course.
	ErrFreeCourse = errors.New("course is free")
)

// API is the subset of the Stripe client used by the bridge.
type API interface {
	NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// apiClient implements API with a per-key client.API instead of the
// package-level stripe.Key.
type apiClient struct {
	sc *client.API
}

// NewAPI creates an API for the given secret key.
func NewAPI(secretKey string) API {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &apiClient{sc: sc}
}

func (c *apiClient) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return c.sc.PaymentIntents.New(params)
}

func (c *apiClient) GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return c.sc.PaymentIntents.Get(id, params)
}

func (c *apiClient) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.sc.CheckoutSessions.New(params)
}

func (c *apiClient) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.sc.CheckoutSessions.Get(id, params)
}

// Intent is what the browser needs to complete a payment intent.
type Intent struct {
	PaymentRef   string `json:"paymentRef"`
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Checkout is a hosted checkout session to redirect to.
type Checkout struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// WebhookEvent is a verified Stripe event reduced to what confirmation
// needs. Handled is false for event types we ignore.
type WebhookEvent struct {
	ID        string
	Type      string
	Handled   bool
	Ref       string
	UserID    string
	CourseID  string
	Succeeded bool
}

// Stripe is the payment bridge.
type Stripe struct {
	api           API
	webhookSecret string
	currency      string
	frontendURL   string
}

var _ enrollment.PaymentVerifier = (*Stripe)(nil)

// NewStripe creates the bridge. currency is an ISO code in lower case.
func NewStripe(api API, webhookSecret, currency, frontendURL string) *Stripe {
	return &Stripe{
		api:           api,
		webhookSecret: webhookSecret,
		currency:      strings.ToLower(currency),
		frontendURL:   strings.TrimRight(frontendURL, "/"),
	}
}

func metadata(userID string, course catalog.Course) map[string]string {
	return map[string]string{
		MetaUserID:   userID,
		MetaCourseID: course.ID,
	}
}

// CreatePaymentIntent starts a payment for the course's current price.
func (s *Stripe) CreatePaymentIntent(ctx context.Context, userID string, course catalog.Course) (Intent, error) {
	if course.Price <= 0 {
		return Intent{}, ErrFreeCourse
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(course.Price),
		Currency: stripe.String(s.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Description: stripe.String(course.Title),
	}
	params.Context = ctx
	for k, v := range metadata(userID, course) {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.NewPaymentIntent(params)
	if err != nil {
		return Intent{}, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return Intent{
		PaymentRef:   pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}, nil
}

// CreateCheckoutSession starts a hosted checkout for one course.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, userID string, course catalog.Course) (Checkout, error) {
	if course.Price <= 0 {
		return Checkout{}, ErrFreeCourse
	}
	meta := metadata(userID, course)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.frontendURL + "/payment/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(s.frontendURL + "/courses/" + url.PathEscape(course.ID)),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(s.currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(course.Title),
					},
					UnitAmount: stripe.Int64(course.Price),
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	sess, err := s.api.NewCheckoutSession(params)
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return Checkout{SessionID: sess.ID, URL: sess.URL}, nil
}

func isMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && (stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == 404)
}

// Payment looks up a payment by reference. Checkout session ids ("cs_")
// and payment intent ids are both accepted.
func (s *Stripe) Payment(ctx context.Context, ref string) (enrollment.Payment, error) {
	if strings.HasPrefix(ref, "cs_") {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		sess, err := s.api.GetCheckoutSession(ref, params)
		if isMissing(err) {
			return enrollment.Payment{}, ErrUnknownPayment
		}
		if err != nil {
			return enrollment.Payment{}, fmt.Errorf("failed to get checkout session %s: %w", ref, err)
		}
		return sessionPayment(sess), nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.GetPaymentIntent(ref, params)
	if isMissing(err) {
		return enrollment.Payment{}, ErrUnknownPayment
	}
	if err != nil {
		return enrollment.Payment{}, fmt.Errorf("failed to get payment intent %s: %w", ref, err)
	}
	return intentPayment(pi), nil
}

func intentPayment(pi *stripe.PaymentIntent) enrollment.Payment {
	return enrollment.Payment{
		Ref:       pi.ID,
		Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded,
		UserID:    pi.Metadata[MetaUserID],
		CourseID:  pi.Metadata[MetaCourseID],
		Amount:    pi.AmountReceived,
		Currency:  string(pi.Currency),
	}
}

func sessionPayment(sess *stripe.CheckoutSession) enrollment.Payment {
	userID := sess.Metadata[MetaUserID]
	if userID == "" {
		userID = sess.ClientReferenceID
	}
	return enrollment.Payment{
		Ref:       sess.ID,
		Succeeded: sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		UserID:    userID,
		CourseID:  sess.Metadata[MetaCourseID],
		Amount:    sess.AmountTotal,
		Currency:  string(sess.Currency),
	}
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if s.webhookSecret == "" {
		return WebhookEvent{}, ErrWebhookNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: failed to parse payment intent %s: %v", ErrMalformedEvent, event.ID, err)
		}
		p := intentPayment(&pi)
		out.Handled, out.Ref, out.UserID, out.CourseID, out.Succeeded = true, p.Ref, p.UserID, p.CourseID, p.Succeeded
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: failed to parse checkout session %s: %v", ErrMalformedEvent, event.ID, err)
		}
		p := sessionPayment(&sess)
		out.Handled, out.Ref, out.UserID, out.CourseID, out.Succeeded = true, p.Ref, p.UserID, p.CourseID, p.Succeeded
	}
	return out, nil
}
