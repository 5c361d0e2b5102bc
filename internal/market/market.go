// Package market provides price-lookup collaborators and a cached price
// resolution service layered over them.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pricepulse/internal/models"
)

// QuoteProvider resolves conventional market symbols to quotes.
type QuoteProvider interface {
	LookupPrices(ctx context.Context, symbols []string) ([]models.Quote, error)
}

// CryptoProvider resolves a crypto product to its current ticker.
type CryptoProvider interface {
	LookupTicker(ctx context.Context, productID string) (models.CryptoTicker, error)
}

// HTTPQuoteProvider fetches quote batches from a JSON endpoint:
// GET {base}/quotes?symbols=A,B,C.
type HTTPQuoteProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPQuoteProvider creates a quote provider with a bounded timeout.
func NewHTTPQuoteProvider(baseURL string, timeout time.Duration) *HTTPQuoteProvider {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPQuoteProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type quotePayload struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Currency      string  `json:"currency"`
}

// LookupPrices implements QuoteProvider.
func (p *HTTPQuoteProvider) LookupPrices(ctx context.Context, symbols []string) ([]models.Quote, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("quote API not configured")
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/quotes?symbols=%s", p.baseURL, url.QueryEscape(strings.Join(symbols, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating quote request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching quotes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote API returned status %d", resp.StatusCode)
	}

	var payload []quotePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding quotes: %w", err)
	}

	now := time.Now()
	quotes := make([]models.Quote, 0, len(payload))
	for _, q := range payload {
		quotes = append(quotes, models.Quote{
			Symbol:        q.Symbol,
			Price:         q.Price,
			Change:        q.Change,
			ChangePercent: q.ChangePercent,
			Currency:      q.Currency,
			AsOf:          now,
		})
	}
	return quotes, nil
}

// HTTPCryptoProvider fetches single-product tickers from a JSON endpoint:
// GET {base}/products/{id}/ticker.
type HTTPCryptoProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCryptoProvider creates a crypto ticker provider.
func NewHTTPCryptoProvider(baseURL string, timeout time.Duration) *HTTPCryptoProvider {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCryptoProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type cryptoTickerPayload struct {
	Price     float64 `json:"price,string"`
	Bid       float64 `json:"bid,string"`
	Ask       float64 `json:"ask,string"`
	Volume    float64 `json:"volume,string"`
	Open24h   float64 `json:"open_24h,string"`
	Low24h    float64 `json:"low_24h,string"`
	High24h   float64 `json:"high_24h,string"`
	Time      string  `json:"time"`
}

// LookupTicker implements CryptoProvider.
func (p *HTTPCryptoProvider) LookupTicker(ctx context.Context, productID string) (models.CryptoTicker, error) {
	if p.baseURL == "" {
		return models.CryptoTicker{}, fmt.Errorf("crypto API not configured")
	}

	endpoint := fmt.Sprintf("%s/products/%s/ticker", p.baseURL, url.PathEscape(productID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.CryptoTicker{}, fmt.Errorf("creating ticker request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return models.CryptoTicker{}, fmt.Errorf("fetching ticker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.CryptoTicker{}, fmt.Errorf("crypto API returned status %d", resp.StatusCode)
	}

	var payload cryptoTickerPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.CryptoTicker{}, fmt.Errorf("decoding ticker: %w", err)
	}

	asOf, _ := time.Parse(time.RFC3339, payload.Time)
	t := models.CryptoTicker{
		ProductID: productID,
		Price:     payload.Price,
		BestBid:   payload.Bid,
		BestAsk:   payload.Ask,
		Volume24h: payload.Volume,
		Open24h:   payload.Open24h,
		Low24h:    payload.Low24h,
		High24h:   payload.High24h,
		Time:      asOf,
	}
	return t.WithDerived(), nil
}
