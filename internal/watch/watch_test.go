package watch

import (
	"context"
	"sync"
	"time"

	apperrors "pricepulse/internal/errors"
	"pricepulse/internal/models"
	"pricepulse/internal/notify"
)

// fakeStore is an in-memory store.Store for exercising the evaluators
// without SQLite.
type fakeStore struct {
	mu       sync.Mutex
	alerts   map[string]*models.AlertRule
	digests  map[string]*models.Digest
	dests    []models.Destination
	activity []models.ActivityEntry

	scheduleUpdates []scheduleUpdate
}

type scheduleUpdate struct {
	id         string
	lastSentAt time.Time
	nextRunAt  time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		alerts:  make(map[string]*models.AlertRule),
		digests: make(map[string]*models.Digest),
	}
}

func (f *fakeStore) SaveAlert(ctx context.Context, rule *models.AlertRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rule
	f.alerts[rule.ID] = &cp
	return nil
}

func (f *fakeStore) GetActiveAlerts(ctx context.Context) ([]models.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AlertRule
	for _, r := range f.alerts {
		if r.Active {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetAlertsByOwner(ctx context.Context, owner string) ([]models.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AlertRule
	for _, r := range f.alerts {
		if r.Owner == owner {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) TriggerAlert(ctx context.Context, id string, price float64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.alerts[id]
	if !ok || !r.Active {
		return false, nil
	}
	r.Active = false
	r.TriggeredAt = &at
	r.LastSeenPrice = &price
	return true, nil
}

func (f *fakeStore) MarkAlertSeen(ctx context.Context, id string, price float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.alerts[id]; ok {
		r.LastSeenPrice = &price
	}
	return nil
}

func (f *fakeStore) DeleteAlert(ctx context.Context, id, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.alerts[id]; ok && r.Owner == owner {
		delete(f.alerts, id)
		return nil
	}
	return apperrors.ErrNotFound
}

func (f *fakeStore) SaveDigest(ctx context.Context, d *models.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.digests[d.ID] = &cp
	return nil
}

func (f *fakeStore) GetActiveDigests(ctx context.Context) ([]models.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Digest
	for _, d := range f.digests {
		if d.Active {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetDueDigests(ctx context.Context, now time.Time) ([]models.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Digest
	for _, d := range f.digests {
		if d.Due(now) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetDigestsByOwner(ctx context.Context, owner string) ([]models.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Digest
	for _, d := range f.digests {
		if d.Owner == owner {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateDigestSchedule(ctx context.Context, id string, lastSentAt, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduleUpdates = append(f.scheduleUpdates, scheduleUpdate{id, lastSentAt, nextRunAt})
	if d, ok := f.digests[id]; ok {
		sent := lastSentAt
		d.LastSentAt = &sent
		d.NextRunAt = nextRunAt
	}
	return nil
}

func (f *fakeStore) DeleteDigest(ctx context.Context, id, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.digests[id]; ok && d.Owner == owner {
		delete(f.digests, id)
		return nil
	}
	return apperrors.ErrNotFound
}

func (f *fakeStore) SaveDestination(ctx context.Context, dest *models.Destination) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dests = append(f.dests, *dest)
	return nil
}

func (f *fakeStore) GetDestinationsByOwner(ctx context.Context, owner string) ([]models.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Destination
	for _, d := range f.dests {
		if d.Owner == owner {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteDestination(ctx context.Context, id, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.dests {
		if d.ID == id && d.Owner == owner {
			f.dests = append(f.dests[:i], f.dests[i+1:]...)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (f *fakeStore) AppendActivity(ctx context.Context, entry models.ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, entry)
	return nil
}

func (f *fakeStore) GetRecentActivity(ctx context.Context, owner string, limit int) ([]models.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ActivityEntry
	for i := len(f.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if f.activity[i].Owner == owner {
			out = append(out, f.activity[i])
		}
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) activityKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.activity))
	for _, e := range f.activity {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// fakeResolver serves quotes from a mutable price table.
type fakeResolver struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{prices: make(map[string]float64)}
}

func (f *fakeResolver) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakeResolver) unset(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, symbol)
}

func (f *fakeResolver) ResolveQuotes(ctx context.Context, symbols []string) map[string]models.Quote {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.Quote)
	for _, sym := range symbols {
		if price, ok := f.prices[sym]; ok {
			out[sym] = models.Quote{Symbol: sym, Price: price, Currency: "USD"}
		}
	}
	return out
}

// fakeDeliverer records dispatch calls and replies with a canned ledger
// verdict per destination.
type fakeDeliverer struct {
	mu     sync.Mutex
	calls  [][]models.Destination
	loads  []notify.Payload
	failAll bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, dests []models.Destination, p notify.Payload) []models.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dests)
	f.loads = append(f.loads, p)

	results := make([]models.DeliveryResult, len(dests))
	for i, d := range dests {
		results[i] = models.DeliveryResult{
			DestinationID: d.ID,
			Kind:          d.Kind,
			OK:            !f.failAll,
			Timestamp:     time.Now(),
		}
		if f.failAll {
			results[i].Error = "injected failure"
		}
	}
	return results
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDeliverer) lastCall() ([]models.Destination, notify.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil, notify.Payload{}
	}
	return f.calls[len(f.calls)-1], f.loads[len(f.loads)-1]
}
