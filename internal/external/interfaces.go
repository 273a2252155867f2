package external

import (
	"context"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// BillingProvider abstracts the payment provider (Stripe). Implementations
// translate between domain types and vendor-specific APIs. All calls use
// bounded timeouts via the injected http.Client; a timed-out call is treated
// as failed-but-possibly-applied, so callers surface the error rather than
// silently retrying subscription creation.
type BillingProvider interface {
	// EnsureCustomer retrieves or creates a provider customer for the given
	// user. Returns the provider customer ID. Uses search-first logic to
	// prevent duplicate customers.
	EnsureCustomer(ctx context.Context, userID string, email string) (string, error)

	// CreateSubscription creates a subscription for the customer on the given
	// price. The metered overage price, when needed, is attached separately
	// via AttachMeteredItem after creation.
	CreateSubscription(ctx context.Context, customerID string, priceID string, meta map[string]string) (*types.ProviderSubscription, error)

	// CancelSubscription cancels the subscription immediately. When
	// finalInvoice is set, outstanding metered overage is invoiced now
	// instead of being discarded.
	CancelSubscription(ctx context.Context, subscriptionID string, finalInvoice bool) error

	// ListActiveSubscriptions returns all non-canceled subscriptions for the
	// customer. Used defensively before creating a replacement subscription.
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*types.ProviderSubscription, error)

	// AttachMeteredItem adds the metered overage price as a line item on an
	// existing subscription and returns the new item's ID.
	AttachMeteredItem(ctx context.Context, subscriptionID string, priceID string) (string, error)

	// ReportUsage reports an incremental usage quantity against a metered
	// subscription item. The provider's usage API is additive, so quantity
	// must be the strictly-new amount, never a running total.
	ReportUsage(ctx context.Context, meteredItemID string, quantity int64, at int64) error

	// ListPrices returns the active recurring prices in the provider catalog,
	// used to sync the plan catalog.
	ListPrices(ctx context.Context) ([]ProviderPrice, error)
}

// ProviderPrice is a provider catalog price as returned by ListPrices.
type ProviderPrice struct {
	ID             string
	ProductID      string
	ProductName    string
	UnitAmount     int64
	Interval       string
	LookupKey      string
	Metadata       map[string]string
	UsageTypeMeter bool // true for metered (overage) prices
}

// WebhookVerifier abstracts provider webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature
	// header and signing secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}

// Provider event type constants prevent magic strings in the reconciler.
const (
	EventSubCreated        = "customer.subscription.created"
	EventSubUpdated        = "customer.subscription.updated"
	EventSubDeleted        = "customer.subscription.deleted"
	EventInvoicePaid       = "invoice.payment_succeeded"
	EventInvoiceFailed     = "invoice.payment_failed"
	EventCheckoutCompleted = "checkout.session.completed"
)
