package billing

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/external"
	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPriceIDs mirrors a production price configuration.
var testPriceIDs = map[types.PlanType]string{
	types.PlanFree:      "price_free",
	types.PlanFreeDaily: "price_free_daily",
	types.PlanStarter:   "price_starter",
	types.PlanCreator:   "price_creator",
	types.PlanUnlimited: "price_unlimited",
}

func newTestCatalog() *Catalog {
	return NewCatalog(nil, testPriceIDs, "price_overage", time.Hour, testLogger())
}

// fakeLedgerStore is an in-memory LedgerStore that applies mutation closures
// the way the SQL repo does: load, run under a copy, persist on apply, append
// the entry.
type fakeLedgerStore struct {
	mu       sync.Mutex
	balances map[string]*types.TokenBalance
	entries  []*types.TokenTransaction
	queued   int64
	applied  int
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{balances: make(map[string]*types.TokenBalance)}
}

func (s *fakeLedgerStore) balanceLocked(userID string) *types.TokenBalance {
	b, ok := s.balances[userID]
	if !ok {
		b = &types.TokenBalance{UserID: userID}
		s.balances[userID] = b
	}
	return b
}

func (s *fakeLedgerStore) GetOrCreateBalance(_ context.Context, userID string) (*types.TokenBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.balanceLocked(userID)
	return &cp, nil
}

func (s *fakeLedgerStore) MutateBalance(
	_ context.Context,
	userID string,
	fn func(b *types.TokenBalance) (*types.TokenTransaction, bool, error),
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balanceLocked(userID)
	work := *b
	entry, apply, err := fn(&work)
	if err != nil {
		return err
	}
	if !apply {
		return nil
	}

	work.UpdatedAt = time.Now().UTC()
	*b = work
	s.applied++

	if entry != nil {
		e := *entry
		e.UserID = userID
		e.CreatedAt = time.Now().UTC()
		s.entries = append(s.entries, &e)
	}
	return nil
}

func (s *fakeLedgerStore) HasResetForPeriod(_ context.Context, userID, subscriptionID string, periodStart, periodEnd time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UserID != userID || e.Type != types.TxReset || e.SubscriptionID != subscriptionID {
			continue
		}
		if e.PeriodStart == nil || e.PeriodEnd == nil {
			continue
		}
		if withinTolerance(*e.PeriodStart, periodStart) && withinTolerance(*e.PeriodEnd, periodEnd) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeLedgerStore) HasDailyGrant(_ context.Context, userID, subscriptionID string, day time.Time) (bool, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UserID != userID || e.Type != types.TxGrant || e.SubscriptionID != subscriptionID {
			continue
		}
		if e.PeriodStart != nil && e.PeriodStart.Equal(dayStart) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeLedgerStore) QueuedTokenRequirement(_ context.Context, userID string) (int64, error) {
	return s.queued, nil
}

func withinTolerance(a, b time.Time) bool {
	return absDuration(a.Sub(b)) <= time.Minute
}

func (s *fakeLedgerStore) entriesOfType(tt types.TransactionType) []*types.TokenTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TokenTransaction
	for _, e := range s.entries {
		if e.Type == tt {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeLedgerStore) setBalance(userID string, b types.TokenBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.UserID = userID
	s.balances[userID] = &b
}

func (s *fakeLedgerStore) snapshot(userID string) types.TokenBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.balanceLocked(userID)
}

// fakeSubStore implements SubscriptionAdmin with one record per user.
type fakeSubStore struct {
	mu   sync.Mutex
	recs map[string]*types.SubscriptionRecord
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{recs: make(map[string]*types.SubscriptionRecord)}
}

func (s *fakeSubStore) GetByUserID(_ context.Context, userID string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeSubStore) GetByProviderSubID(_ context.Context, subID string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.ProviderSubscriptionID == subID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSubStore) Upsert(_ context.Context, rec *types.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.UserID] = &cp
	return nil
}

func (s *fakeSubStore) UpdateStatus(_ context.Context, userID string, status types.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[userID]; ok {
		rec.Status = status
	}
	return nil
}

func (s *fakeSubStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, userID)
	return nil
}

func (s *fakeSubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// fakeEventStore implements EventStore in memory.
type fakeEventStore struct {
	mu   sync.Mutex
	seen map[string]bool // event ID -> fully processed
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{seen: make(map[string]bool)}
}

func (s *fakeEventStore) BeginProcessing(_ context.Context, eventID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done, ok := s.seen[eventID]; ok && done {
		return true, nil
	}
	s.seen[eventID] = false
	return false, nil
}

func (s *fakeEventStore) MarkProcessed(_ context.Context, eventID string, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[eventID] = true
	return nil
}

// fakeUserDirectory implements UserDirectory and BillingDirectory.
type fakeUserDirectory struct {
	mu         sync.Mutex
	byCustomer map[string]string // customer ID -> user ID
	emails     map[string]string // user ID -> email
}

func newFakeUserDirectory() *fakeUserDirectory {
	return &fakeUserDirectory{
		byCustomer: make(map[string]string),
		emails:     make(map[string]string),
	}
}

func (d *fakeUserDirectory) GetUserIDByCustomer(_ context.Context, customerID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byCustomer[customerID], nil
}

func (d *fakeUserDirectory) AttachCustomerID(_ context.Context, userID, customerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byCustomer[customerID] = userID
	return nil
}

func (d *fakeUserDirectory) GetBillingInfo(_ context.Context, userID string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for cust, uid := range d.byCustomer {
		if uid == userID {
			return cust, d.emails[userID], nil
		}
	}
	return "", d.emails[userID], nil
}

// fakeProvider implements external.BillingProvider with canned responses and
// call recording.
type fakeProvider struct {
	mu sync.Mutex

	customers map[string]string // user ID -> customer ID
	active    []*types.ProviderSubscription

	createErr    error
	nextSub      *types.ProviderSubscription
	meteredItem  string
	meteredErr   error
	cancelErr    error
	usageReports []usageReport

	created  []string // price IDs passed to CreateSubscription
	canceled []string // subscription IDs passed to CancelSubscription
	attached []string // subscription IDs passed to AttachMeteredItem
}

type usageReport struct {
	item     string
	quantity int64
	at       int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers:   make(map[string]string),
		meteredItem: "si_metered_new",
	}
}

func (p *fakeProvider) EnsureCustomer(_ context.Context, userID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.customers[userID]; ok {
		return id, nil
	}
	id := "cus_" + userID
	p.customers[userID] = id
	return id, nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, customerID, priceID string, _ map[string]string) (*types.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, priceID)
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.nextSub != nil {
		sub := *p.nextSub
		sub.CustomerID = customerID
		return &sub, nil
	}
	now := time.Now().UTC().Truncate(time.Second)
	return &types.ProviderSubscription{
		ID:                 "sub_new",
		CustomerID:         customerID,
		Status:             types.SubStatusActive,
		PriceID:            priceID,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}, nil
}

func (p *fakeProvider) CancelSubscription(_ context.Context, subscriptionID string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, subscriptionID)
	return p.cancelErr
}

func (p *fakeProvider) ListActiveSubscriptions(_ context.Context, _ string) ([]*types.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, nil
}

func (p *fakeProvider) AttachMeteredItem(_ context.Context, subscriptionID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, subscriptionID)
	if p.meteredErr != nil {
		return "", p.meteredErr
	}
	return p.meteredItem, nil
}

func (p *fakeProvider) ReportUsage(_ context.Context, meteredItemID string, quantity int64, at int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usageReports = append(p.usageReports, usageReport{item: meteredItemID, quantity: quantity, at: at})
	return nil
}

func (p *fakeProvider) ListPrices(_ context.Context) ([]external.ProviderPrice, error) {
	return nil, nil
}
