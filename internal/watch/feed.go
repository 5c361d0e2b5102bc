package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"pricepulse/internal/bus"
	"pricepulse/internal/models"
	"pricepulse/internal/store"
	"pricepulse/internal/stream"
)

// SubjectTickers is the bus subject for live upstream ticker events.
const SubjectTickers = "tickers"

// TickerHub is the upstream fan-out the feed curator subscribes to.
type TickerHub interface {
	Subscribe(products []string, sink stream.TickerSink) (unsubscribe func())
}

// FeedCurator keeps the upstream hub subscription aligned with the
// crypto products the stored alerts and digests watch. Each run rebuilds
// the interest set; when it changes, the hub subscription is replaced so
// the upstream connection widens, narrows, or closes along with the
// configuration. Received ticks are republished on the tickers bus
// subject, which also keeps the hub's snapshots warm for quote
// resolution.
type FeedCurator struct {
	store  store.Store
	hub    TickerHub
	bus    *bus.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	products map[string]struct{}
	cancel   func()
}

// NewFeedCurator creates a curator.
func NewFeedCurator(s store.Store, hub TickerHub, b *bus.Bus, logger zerolog.Logger) *FeedCurator {
	return &FeedCurator{
		store:  s,
		hub:    hub,
		bus:    b,
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// Run performs one curation cycle: rebuild the interest set from the
// store and resubscribe the hub when it changed. An unchanged set is a
// no-op, so the persistent upstream connection survives across cycles.
func (f *FeedCurator) Run(ctx context.Context) error {
	products, err := f.interestSet(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if productSetsEqual(products, f.products) {
		return nil
	}

	prev := f.cancel
	f.cancel = nil
	f.products = products

	if len(products) > 0 {
		list := make([]string, 0, len(products))
		for p := range products {
			list = append(list, p)
		}
		sort.Strings(list)

		// Register the replacement before dropping the old subscription
		// so the hub's union never empties and the upstream connection
		// survives the swap.
		f.cancel = f.hub.Subscribe(list, func(t models.CryptoTicker) {
			f.bus.Publish(SubjectTickers, t)
		})
		f.logger.Info().Strs("products", list).Msg("upstream feed subscription updated")
	} else {
		f.logger.Debug().Msg("no crypto products watched, upstream feed released")
	}

	if prev != nil {
		prev()
	}
	return nil
}

// Close releases the active hub subscription, if any.
func (f *FeedCurator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.products = nil
}

// interestSet collects the crypto pairs named by active alert rules and
// active digest symbol lists. Conventional symbols resolve over HTTP and
// never hold the upstream connection open.
func (f *FeedCurator) interestSet(ctx context.Context) (map[string]struct{}, error) {
	rules, err := f.store.GetActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active alerts: %w", err)
	}
	digests, err := f.store.GetActiveDigests(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active digests: %w", err)
	}

	products := make(map[string]struct{})
	for _, r := range rules {
		if models.IsCryptoPair(r.Symbol) {
			products[r.Symbol] = struct{}{}
		}
	}
	for _, d := range digests {
		for _, s := range d.Symbols {
			if models.IsCryptoPair(s) {
				products[s] = struct{}{}
			}
		}
	}
	return products, nil
}

func productSetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
