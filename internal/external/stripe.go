package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// UserBillingLookup provides the minimal data access StripeClient needs to
// resolve a userID into the provider customer ID and billing email. This
// avoids pulling the full UserBillingRepo surface into the external layer.
type UserBillingLookup interface {
	// GetBillingInfo returns the provider customer ID and billing email.
	// Returns ("", email, nil) if the user exists but has no customer yet.
	GetBillingInfo(ctx context.Context, userID string) (customerID, email string, err error)

	// AttachCustomerID records the provider customer ID on the user row.
	AttachCustomerID(ctx context.Context, userID, customerID string) error
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements BillingProvider by making direct HTTP calls to the
// Stripe REST API through BaseClient. This routes every request through the
// resilience infrastructure (circuit breaker, retries, error mapping) and
// makes testing with httptest straightforward.
type StripeClient struct {
	base       *BaseClient
	secretKey  string
	baseURL    string
	userLookup UserBillingLookup
	logger     *slog.Logger
}

// NewStripeClient creates a StripeClient. The httpClient timeout bounds every
// provider call; a timed-out call must be treated as possibly applied.
func NewStripeClient(
	httpClient *http.Client,
	userLookup UserBillingLookup,
	cfg StripeClientConfig,
	opts ...BaseClientOption,
) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Hopper/1.0",
		opts...,
	)

	return &StripeClient{
		base:       base,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userLookup: userLookup,
		logger:     logger,
	}
}

// EnsureCustomer retrieves or creates a Stripe customer for the given user.
// Search-first to prevent duplicates:
//  1. Query the Stripe Search API for a metadata['user_id'] match
//  2. If found, return the existing customer ID
//  3. Otherwise create a new customer tagged with user_id metadata
//  4. Record the customer ID on the local user row
func (s *StripeClient) EnsureCustomer(ctx context.Context, userID string, email string) (string, error) {
	searchQuery := fmt.Sprintf("metadata['user_id']:'%s'", userID)
	params := url.Values{}
	params.Set("query", searchQuery)

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeCustomerList
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		customerID := searchResult.Data[0].ID
		if dbErr := s.userLookup.AttachCustomerID(ctx, userID, customerID); dbErr != nil {
			s.logger.WarnContext(ctx, "failed to record provider customer ID",
				"user_id", userID,
				"customer_id", customerID,
				"error", dbErr,
			)
		}
		return customerID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[user_id]", userID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	if dbErr := s.userLookup.AttachCustomerID(ctx, userID, customer.ID); dbErr != nil {
		s.logger.WarnContext(ctx, "failed to record provider customer ID after creation",
			"user_id", userID,
			"customer_id", customer.ID,
			"error", dbErr,
		)
	}

	return customer.ID, nil
}

// CreateSubscription creates a subscription on the base price only. Metered
// overage prices are attached afterwards via AttachMeteredItem; they cannot
// be part of the creation call because usage reporting for the item only
// exists once the subscription does.
func (s *StripeClient) CreateSubscription(
	ctx context.Context,
	customerID string,
	priceID string,
	meta map[string]string,
) (*types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("items[0][price]", priceID)
	params.Set("payment_behavior", "allow_incomplete")
	for k, v := range meta {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	resp, err := s.doPost(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription creation response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// CancelSubscription cancels the subscription immediately. finalInvoice asks
// Stripe to invoice outstanding metered overage now rather than discard it.
func (s *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string, finalInvoice bool) error {
	params := url.Values{}
	if finalInvoice {
		params.Set("invoice_now", "true")
		params.Set("prorate", "false")
	}

	resp, err := s.doDelete(ctx, "/v1/subscriptions/"+subscriptionID, params)
	if err != nil {
		return s.wrapStripeError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelSubscription")
	}
	return nil
}

// ListActiveSubscriptions returns all non-canceled subscriptions for the
// customer. Stripe's list endpoint with status=active excludes trialing, so
// status=all is requested and canceled states are filtered client-side.
func (s *StripeClient) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "all")
	params.Set("limit", "20")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapStripeError("ListActiveSubscriptions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListActiveSubscriptions")
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}

	subs := make([]*types.ProviderSubscription, 0, len(list.Data))
	for i := range list.Data {
		mapped := mapStripeSubscription(&list.Data[i])
		switch mapped.Status {
		case types.SubStatusCanceled, types.SubStatusIncompleteExpired:
			continue
		}
		subs = append(subs, mapped)
	}
	return subs, nil
}

// AttachMeteredItem adds the metered overage price to an existing
// subscription and returns the created item ID.
func (s *StripeClient) AttachMeteredItem(ctx context.Context, subscriptionID string, priceID string) (string, error) {
	params := url.Values{}
	params.Set("subscription", subscriptionID)
	params.Set("price", priceID)

	resp, err := s.doPost(ctx, "/v1/subscription_items", params)
	if err != nil {
		return "", s.wrapStripeError("AttachMeteredItem", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "AttachMeteredItem")
	}

	var item stripeSubscriptionItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription item response",
			err,
		)
	}
	return item.ID, nil
}

// ReportUsage posts an incremental usage record against a metered
// subscription item. action=increment makes redundant absolute values
// impossible; quantity must always be the strictly-new amount.
func (s *StripeClient) ReportUsage(ctx context.Context, meteredItemID string, quantity int64, at int64) error {
	params := url.Values{}
	params.Set("quantity", strconv.FormatInt(quantity, 10))
	params.Set("timestamp", strconv.FormatInt(at, 10))
	params.Set("action", "increment")

	resp, err := s.doPost(ctx, "/v1/subscription_items/"+meteredItemID+"/usage_records", params)
	if err != nil {
		return s.wrapStripeError("ReportUsage", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "ReportUsage")
	}
	return nil
}

// ListPrices returns the active recurring prices with their products
// expanded, for plan catalog sync.
func (s *StripeClient) ListPrices(ctx context.Context) ([]ProviderPrice, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("type", "recurring")
	params.Set("limit", "100")
	params.Set("expand[]", "data.product")

	resp, err := s.doGet(ctx, "/v1/prices", params)
	if err != nil {
		return nil, s.wrapStripeError("ListPrices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListPrices")
	}

	var list stripePriceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe prices response",
			err,
		)
	}

	prices := make([]ProviderPrice, 0, len(list.Data))
	for _, p := range list.Data {
		pp := ProviderPrice{
			ID:             p.ID,
			UnitAmount:     p.UnitAmount,
			LookupKey:      p.LookupKey,
			Metadata:       p.Metadata,
			UsageTypeMeter: p.Recurring.UsageType == "metered",
		}
		if p.Recurring.Interval != "" {
			pp.Interval = p.Recurring.Interval
		}
		if p.Product != nil {
			pp.ProductID = p.Product.ID
			pp.ProductName = p.Product.Name
		}
		prices = append(prices, pp)
	}
	return prices, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doDelete passes params in the query string; Stripe accepts either form
// bodies or query params on DELETE.
func (s *StripeClient) doDelete(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// BaseClient errors (circuit breaker, retries exhausted) already carry
	// the right upstream code; pass them through.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamBilling,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCustomerList struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Customer           string                  `json:"customer"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Items              stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID    string      `json:"id"`
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID         string            `json:"id"`
	UnitAmount int64             `json:"unit_amount"`
	LookupKey  string            `json:"lookup_key"`
	Metadata   map[string]string `json:"metadata"`
	Recurring  stripeRecurring   `json:"recurring"`
	Product    *stripeProduct    `json:"product"`
}

type stripeRecurring struct {
	Interval  string `json:"interval"`
	UsageType string `json:"usage_type"`
}

type stripeProduct struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

type stripePriceList struct {
	Data    []stripePrice `json:"data"`
	HasMore bool          `json:"has_more"`
}

// mapStripeSubscription converts a Stripe subscription to the domain view.
// The base (licensed) price identifies the plan; a metered item, when
// present, is surfaced as MeteredItemID.
func mapStripeSubscription(sub *stripeSubscription) *types.ProviderSubscription {
	out := &types.ProviderSubscription{
		ID:                 sub.ID,
		CustomerID:         sub.Customer,
		Status:             types.SubscriptionStatus(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}

	for _, item := range sub.Items.Data {
		if item.Price.Recurring.UsageType == "metered" {
			out.MeteredItemID = item.ID
			continue
		}
		if out.PriceID == "" {
			out.PriceID = item.Price.ID
		}
	}

	return out
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification: HMAC-SHA256 with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
