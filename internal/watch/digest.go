package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricepulse/internal/bus"
	"pricepulse/internal/logging"
	"pricepulse/internal/market"
	"pricepulse/internal/models"
	"pricepulse/internal/notify"
	"pricepulse/internal/store"
)

// SubjectDigests is the bus subject for digest send events.
const SubjectDigests = "digests"

// DigestSent is the event payload published after a digest dispatch.
type DigestSent struct {
	DigestID string                  `json:"digestId"`
	Owner    string                  `json:"owner"`
	Summary  string                  `json:"summary"`
	Ledger   []models.DeliveryResult `json:"ledger"`
}

// DigestDispatcher sends due digests. The next run time always advances
// from the send time by the frequency cadence, regardless of delivery
// outcome.
type DigestDispatcher struct {
	store      store.Store
	prices     PriceResolver
	bus        *bus.Bus
	dispatcher Deliverer
	logger     zerolog.Logger
	now        func() time.Time
}

// NewDigestDispatcher creates a digest dispatcher.
func NewDigestDispatcher(s store.Store, prices PriceResolver, b *bus.Bus, d Deliverer, logger zerolog.Logger) *DigestDispatcher {
	return &DigestDispatcher{
		store:      s,
		prices:     prices,
		bus:        b,
		dispatcher: d,
		logger:     logger.With().Str("component", "digests").Logger(),
		now:        time.Now,
	}
}

// Run performs one due-digest sweep.
func (g *DigestDispatcher) Run(ctx context.Context) error {
	now := g.now()
	due, err := g.store.GetDueDigests(ctx, now)
	if err != nil {
		return fmt.Errorf("loading due digests: %w", err)
	}

	for i := range due {
		g.send(ctx, &due[i])
	}
	return nil
}

func (g *DigestDispatcher) send(ctx context.Context, d *models.Digest) {
	if len(d.Symbols) == 0 {
		g.logger.Debug().Str("digest", d.ID).Msg("digest has no symbols, skipping")
		return
	}

	dests, err := g.digestDestinations(ctx, d)
	if err != nil {
		g.logger.Warn().Err(err).Str("digest", d.ID).Msg("resolving destinations failed")
		return
	}
	if len(dests) == 0 {
		g.logger.Debug().Str("digest", d.ID).Msg("digest has no destinations, skipping")
		return
	}

	payload := g.assemble(ctx, d)
	ledger := g.dispatcher.Deliver(ctx, dests, payload)
	summary := ledgerSummary(ledger)

	// The schedule advances regardless of delivery outcome: a failed
	// send is reported in the ledger, not retried on the next sweep.
	now := g.now()
	d.Advance(now)
	if err := g.store.UpdateDigestSchedule(ctx, d.ID, *d.LastSentAt, d.NextRunAt); err != nil {
		g.logger.Error().Err(err).Str("digest", d.ID).Msg("advancing digest schedule failed")
	}

	ownerLogger := logging.WithOwner(g.logger, d.Owner)
	ownerLogger.Info().
		Str("digest", d.ID).
		Str("summary", summary).
		Time("nextRunAt", d.NextRunAt).
		Msg("digest sent")

	g.bus.Publish(SubjectDigests, DigestSent{DigestID: d.ID, Owner: d.Owner, Summary: summary, Ledger: ledger})

	entry := models.ActivityEntry{
		Owner:   d.Owner,
		Kind:    "digest_sent",
		Message: fmt.Sprintf("digest %s sent to %s", d.ID, summary),
		Detail:  map[string]interface{}{"digestId": d.ID, "ledger": ledger},
	}
	if err := g.store.AppendActivity(ctx, entry); err != nil {
		g.logger.Warn().Err(err).Str("digest", d.ID).Msg("activity append failed")
	}
}

// digestDestinations resolves the owner's active digest-purpose
// destinations, restricted to the digest's explicit id set when non-empty.
func (g *DigestDispatcher) digestDestinations(ctx context.Context, d *models.Digest) ([]models.Destination, error) {
	all, err := g.store.GetDestinationsByOwner(ctx, d.Owner)
	if err != nil {
		return nil, err
	}

	restrict := make(map[string]struct{}, len(d.DestinationIDs))
	for _, id := range d.DestinationIDs {
		restrict[id] = struct{}{}
	}

	var dests []models.Destination
	for _, dest := range all {
		if !dest.Active || !dest.HasPurpose(models.PurposeDigest) {
			continue
		}
		if len(restrict) > 0 {
			if _, ok := restrict[dest.ID]; !ok {
				continue
			}
		}
		dests = append(dests, dest)
	}
	return dests, nil
}

// assemble builds the per-symbol digest content. Symbols that fail to
// resolve this cycle are listed as unavailable rather than dropped.
func (g *DigestDispatcher) assemble(ctx context.Context, d *models.Digest) notify.Payload {
	quotes := g.prices.ResolveQuotes(ctx, d.Symbols)

	var sb strings.Builder
	lines := make([]map[string]interface{}, 0, len(d.Symbols))
	for _, sym := range d.Symbols {
		q, ok := quotes[sym]
		if !ok {
			sb.WriteString(sym + ": unavailable\n")
			lines = append(lines, map[string]interface{}{"symbol": sym})
			continue
		}
		sb.WriteString(market.FormatQuoteLine(q) + "\n")
		lines = append(lines, map[string]interface{}{
			"symbol":        sym,
			"price":         q.Price,
			"changePercent": q.ChangePercent,
		})
	}

	return notify.Payload{
		Subject: fmt.Sprintf("Your %s market digest", d.Frequency),
		Text:    sb.String(),
		Data: map[string]interface{}{
			"event":    "digest",
			"digestId": d.ID,
			"symbols":  lines,
		},
	}
}
