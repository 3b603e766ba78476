package application_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/dmehra2102/kiosk-payments/internal/payment/application"
	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- processor ---

type fakeProcessor struct {
	mu       sync.Mutex
	payments []application.ProviderPayment
	orders   map[string][]string
	// unindexed references are invisible to reference-filtered searches.
	unindexed map[string]bool

	pref     application.Preference
	prefErr  error
	prefReqs []application.PreferenceRequest

	searchErr error
	getErr    error
	searches  []application.SearchQuery
}

func (f *fakeProcessor) add(p application.ProviderPayment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, p)
}

func (f *fakeProcessor) setSearchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchErr = err
}

func (f *fakeProcessor) CreatePreference(_ context.Context, req application.PreferenceRequest) (application.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefReqs = append(f.prefReqs, req)
	if f.prefErr != nil {
		return application.Preference{}, f.prefErr
	}
	return f.pref, nil
}

func (f *fakeProcessor) SearchPayments(_ context.Context, q application.SearchQuery) ([]application.ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, q)
	if f.searchErr != nil {
		return nil, f.searchErr
	}

	var out []application.ProviderPayment
	for _, p := range f.payments {
		if q.ExternalReference != "" {
			if p.ExternalReference != q.ExternalReference || f.unindexed[p.ExternalReference] {
				continue
			}
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeProcessor) GetPayment(_ context.Context, id string) (application.ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return application.ProviderPayment{}, f.getErr
	}
	for _, p := range f.payments {
		if p.ID == id {
			return p, nil
		}
	}
	return application.ProviderPayment{}, errNotOnAccount
}

func (f *fakeProcessor) GetMerchantOrderPayments(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.orders[id], nil
}

var errNotOnAccount = errors.New("payment not found on account")

// --- record store ---

type memStore struct {
	mu        sync.Mutex
	recs      map[string]domain.PaymentRecord
	approvals int
	err       error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]domain.PaymentRecord)}
}

func (m *memStore) Upsert(_ context.Context, rec domain.PaymentRecord) (application.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return application.UpsertResult{}, m.err
	}
	prev, ok := m.recs[rec.ProviderID]
	merged := rec
	if ok {
		merged = domain.Merge(prev, rec)
	}
	m.recs[rec.ProviderID] = merged

	became := merged.Status == domain.StatusApproved && (!ok || prev.Status != domain.StatusApproved)
	if became {
		m.approvals++
	}
	return application.UpsertResult{Record: merged, BecameApproved: became}, nil
}

func (m *memStore) GetByCorrelationID(_ context.Context, id string) ([]domain.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentRecord
	for _, r := range m.recs {
		if r.CorrelationID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) get(id string) (domain.PaymentRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	return r, ok
}

// --- verdict cache ---

type memCache struct {
	mu       sync.Mutex
	verdicts map[string]domain.Verdict
	getErr   error
}

func newMemCache() *memCache {
	return &memCache{verdicts: make(map[string]domain.Verdict)}
}

func (c *memCache) Get(_ context.Context, id string) (domain.Verdict, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return domain.Verdict{}, false, c.getErr
	}
	v, ok := c.verdicts[id]
	return v, ok, nil
}

func (c *memCache) PutApproved(_ context.Context, id, paymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.verdicts[id]; !ok {
		c.verdicts[id] = domain.Approved(paymentID)
	}
	return nil
}

// --- price source ---

type fakePriceSource struct {
	amount int64
	err    error
}

func (f fakePriceSource) FetchPrice(context.Context) (int64, error) {
	return f.amount, f.err
}
