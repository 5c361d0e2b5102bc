package stream

import (
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"pricepulse/internal/models"
)

var propertyProducts = []string{"BTC-USD", "ETH-USD", "SOL-USD", "ADA-USD", "DOGE-USD"}

func pickProducts(mask int) []string {
	var out []string
	for i, p := range propertyProducts {
		if mask&(1<<i) != 0 {
			out = append(out, p)
		}
	}
	return out
}

// Property: whatever order subscribers arrive in, the latest upstream
// subscription request covers the union of every current subscriber's
// product set.
func TestProperty_UpstreamSubscriptionCoversUnion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	// Each subscriber is a non-empty bitmask over the product list.
	masksGen := gen.SliceOfN(4, gen.IntRange(1, (1<<len(propertyProducts))-1))

	properties.Property("latest subscription request covers every subscriber", prop.ForAll(
		func(masks []int) bool {
			src := &dialSource{}
			h := newTestHub(src)
			defer h.Stop()

			union := make(map[string]struct{})
			for _, mask := range masks {
				products := pickProducts(mask)
				h.Subscribe(products, func(models.CryptoTicker) {})
				for _, p := range products {
					union[p] = struct{}{}
				}
			}

			if src.dialCount() != 1 {
				return false
			}
			req, ok := src.conn(0).lastWrite()
			if !ok {
				return false
			}
			covered := productSet(req.ProductIDs)
			for p := range union {
				if _, ok := covered[p]; !ok {
					return false
				}
			}
			return true
		},
		masksGen,
	))

	properties.TestingRun(t)
}

// Property: a broadcast frame reaches exactly the subscribers whose
// product set contains the frame's product.
func TestProperty_BroadcastMatchesInterestSets(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("frames land on interested subscribers only", prop.ForAll(
		func(masks []int, productIdx int) bool {
			src := &dialSource{}
			h := newTestHub(src)
			defer h.Stop()

			product := propertyProducts[productIdx]
			chans := make([]chan models.CryptoTicker, len(masks))
			interested := make([]bool, len(masks))
			for i, mask := range masks {
				products := pickProducts(mask)
				ch := make(chan models.CryptoTicker, 1)
				chans[i] = ch
				h.Subscribe(products, func(tk models.CryptoTicker) {
					select {
					case ch <- tk:
					default:
					}
				})
				for _, p := range products {
					if p == product {
						interested[i] = true
					}
				}
			}

			src.conn(0).push(tickerFrame(product, "100.5", "100"))

			for i := range masks {
				if interested[i] {
					select {
					case tk := <-chans[i]:
						if tk.ProductID != product {
							return false
						}
					case <-time.After(2 * time.Second):
						return false
					}
				}
			}
			// Nothing may have leaked to the uninterested subscribers.
			time.Sleep(5 * time.Millisecond)
			for i := range masks {
				if !interested[i] && len(chans[i]) != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.IntRange(1, (1<<len(propertyProducts))-1)),
		gen.IntRange(0, len(propertyProducts)-1),
	))

	properties.TestingRun(t)
}

// Property: the derived 24h change percentage is consistent with the
// price and open fields of the inbound frame.
func TestProperty_DerivedChangePercentConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("change percent derives from open", prop.ForAll(
		func(price, open float64) bool {
			msg := tickerMessage{
				Type:      "ticker",
				ProductID: "BTC-USD",
				Price:     formatFloat(price),
				Open24h:   formatFloat(open),
			}
			tk, err := msg.toTicker()
			if err != nil {
				return false
			}
			if tk.ChangePercent24h == nil {
				return false
			}
			want := (tk.Price - tk.Open24h) / tk.Open24h * 100
			diff := *tk.ChangePercent24h - want
			return diff < 1e-9 && diff > -1e-9
		},
		gen.Float64Range(1, 100000),
		gen.Float64Range(1, 100000),
	))

	properties.TestingRun(t)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
