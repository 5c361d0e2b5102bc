// Package models provides domain models for the price tracking application.
package models

import (
	"strings"
	"time"
)

// Quote represents a conventional market quote for a single symbol.
type Quote struct {
	Symbol        string
	Price         float64
	Change        float64
	ChangePercent float64
	Currency      string
	AsOf          time.Time
}

// CryptoTicker represents a live ticker message for a crypto product.
type CryptoTicker struct {
	ProductID        string
	Price            float64
	BestBid          float64
	BestAsk          float64
	Volume24h        float64
	Open24h          float64
	Low24h           float64
	High24h          float64
	ChangePercent24h *float64
	Time             time.Time
}

// WithDerived returns a copy with ChangePercent24h computed from Open24h.
// The derived field stays nil when the 24h open is zero.
func (t CryptoTicker) WithDerived() CryptoTicker {
	if t.Open24h != 0 {
		pct := (t.Price - t.Open24h) / t.Open24h * 100
		t.ChangePercent24h = &pct
	} else {
		t.ChangePercent24h = nil
	}
	return t
}

// IsCryptoPair reports whether a symbol names a crypto product pair
// such as "BTC-USD" rather than a conventional market symbol.
func IsCryptoPair(symbol string) bool {
	base, quote, ok := strings.Cut(symbol, "-")
	return ok && base != "" && quote != ""
}
