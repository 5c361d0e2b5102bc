package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricepulse/internal/cache"
	"pricepulse/internal/models"
)

// SnapshotSource provides last-known crypto tickers without a network
// round trip. The fan-out hub satisfies it.
type SnapshotSource interface {
	Snapshot(productID string) (models.CryptoTicker, bool)
}

// PriceServiceConfig holds price resolution tuning.
type PriceServiceConfig struct {
	TTL         time.Duration
	StaleWindow time.Duration
}

// PriceService resolves mixed symbol sets into quotes. Symbols are
// partitioned by instrument class: crypto pairs go through the hub
// snapshot or the crypto provider, conventional symbols through the quote
// provider in one batch. Lookups are memoized in the stale-tolerant cache
// so a burst of evaluators shares one upstream call per batch.
type PriceService struct {
	cache     *cache.Cache
	quotes    QuoteProvider
	crypto    CryptoProvider
	snapshots SnapshotSource
	cfg       PriceServiceConfig
	logger    zerolog.Logger
}

// NewPriceService creates a price service. snapshots may be nil.
func NewPriceService(c *cache.Cache, quotes QuoteProvider, crypto CryptoProvider, snapshots SnapshotSource, cfg PriceServiceConfig, logger zerolog.Logger) *PriceService {
	return &PriceService{
		cache:     c,
		quotes:    quotes,
		crypto:    crypto,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger.With().Str("component", "prices").Logger(),
	}
}

// ResolveQuotes resolves as many of the given symbols as possible into a
// symbol-to-quote map. Symbols with no resolvable price this cycle are
// simply absent; callers skip them and retry next cycle.
func (s *PriceService) ResolveQuotes(ctx context.Context, symbols []string) map[string]models.Quote {
	var stock, crypto []string
	seen := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		if models.IsCryptoPair(sym) {
			crypto = append(crypto, sym)
		} else {
			stock = append(stock, sym)
		}
	}

	out := make(map[string]models.Quote)
	s.resolveStockBatch(ctx, stock, out)
	for _, product := range crypto {
		if q, ok := s.resolveCrypto(ctx, product); ok {
			out[product] = q
		}
	}
	return out
}

// resolveStockBatch resolves conventional symbols in one batched,
// cache-memoized provider call.
func (s *PriceService) resolveStockBatch(ctx context.Context, symbols []string, out map[string]models.Quote) {
	if len(symbols) == 0 {
		return
	}

	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	key := "quotes:" + strings.Join(sorted, ",")

	v, err := s.cache.GetOrSet(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.quotes.LookupPrices(ctx, sorted)
	}, cache.Options{TTL: s.cfg.TTL, StaleWindow: s.cfg.StaleWindow})
	if err != nil {
		s.logger.Warn().Err(err).Int("symbols", len(symbols)).Msg("quote batch unresolved")
		return
	}

	quotes, ok := v.([]models.Quote)
	if !ok {
		return
	}
	for _, q := range quotes {
		out[q.Symbol] = q
	}
}

// resolveCrypto prefers the hub's live snapshot and falls back to a
// cache-memoized provider lookup.
func (s *PriceService) resolveCrypto(ctx context.Context, productID string) (models.Quote, bool) {
	if s.snapshots != nil {
		if t, ok := s.snapshots.Snapshot(productID); ok {
			return tickerQuote(t), true
		}
	}

	key := "ticker:" + productID
	v, err := s.cache.GetOrSet(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.crypto.LookupTicker(ctx, productID)
	}, cache.Options{TTL: s.cfg.TTL, StaleWindow: s.cfg.StaleWindow})
	if err != nil {
		s.logger.Warn().Err(err).Str("product", productID).Msg("ticker unresolved")
		return models.Quote{}, false
	}

	t, ok := v.(models.CryptoTicker)
	if !ok {
		return models.Quote{}, false
	}
	return tickerQuote(t), true
}

func tickerQuote(t models.CryptoTicker) models.Quote {
	q := models.Quote{
		Symbol:   t.ProductID,
		Price:    t.Price,
		Currency: "USD",
		AsOf:     t.Time,
	}
	if t.ChangePercent24h != nil {
		q.ChangePercent = *t.ChangePercent24h
		q.Change = t.Price - t.Open24h
	}
	return q
}

// ResolvePrices is a convenience wrapper returning bare prices.
func (s *PriceService) ResolvePrices(ctx context.Context, symbols []string) map[string]float64 {
	quotes := s.ResolveQuotes(ctx, symbols)
	prices := make(map[string]float64, len(quotes))
	for sym, q := range quotes {
		prices[sym] = q.Price
	}
	return prices
}

// FormatQuoteLine renders one digest line for a symbol.
func FormatQuoteLine(q models.Quote) string {
	sign := ""
	if q.ChangePercent > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s: %.2f (%s%.2f%%)", q.Symbol, q.Price, sign, q.ChangePercent)
}
