// Package watch contains the scheduled tasks that compose the cache, hub,
// event bus, and dispatcher into the alerting and digest features.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pricepulse/internal/bus"
	"pricepulse/internal/logging"
	"pricepulse/internal/models"
	"pricepulse/internal/notify"
	"pricepulse/internal/store"
)

// Bus subjects for live alert events.
const (
	SubjectAlerts = "alerts"
)

// PriceResolver resolves symbols into quotes. Symbols without a
// resolvable price this cycle are absent from the map.
type PriceResolver interface {
	ResolveQuotes(ctx context.Context, symbols []string) map[string]models.Quote
}

// Deliverer dispatches a payload and returns the per-destination ledger.
type Deliverer interface {
	Deliver(ctx context.Context, dests []models.Destination, p notify.Payload) []models.DeliveryResult
}

// AlertEvaluator evaluates active alert rules against current prices.
// Each run loads the active rules, resolves prices in batches per
// instrument class, and fires each crossed rule at most once.
type AlertEvaluator struct {
	store      store.Store
	prices     PriceResolver
	bus        *bus.Bus
	dispatcher Deliverer
	logger     zerolog.Logger
	now        func() time.Time
}

// NewAlertEvaluator creates an evaluator.
func NewAlertEvaluator(s store.Store, prices PriceResolver, b *bus.Bus, d Deliverer, logger zerolog.Logger) *AlertEvaluator {
	return &AlertEvaluator{
		store:      s,
		prices:     prices,
		bus:        b,
		dispatcher: d,
		logger:     logger.With().Str("component", "alerts").Logger(),
		now:        time.Now,
	}
}

// Run performs one evaluation cycle. Rules whose symbol has no resolvable
// price this cycle are skipped without error and retried next cycle.
func (e *AlertEvaluator) Run(ctx context.Context) error {
	rules, err := e.store.GetActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("loading active alerts: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(rules))
	for _, r := range rules {
		symbols = append(symbols, r.Symbol)
	}
	quotes := e.prices.ResolveQuotes(ctx, symbols)

	for i := range rules {
		rule := rules[i]
		q, ok := quotes[rule.Symbol]
		if !ok {
			continue
		}

		if err := e.store.MarkAlertSeen(ctx, rule.ID, q.Price); err != nil {
			e.logger.Warn().Err(err).Str("rule", rule.ID).Msg("recording last seen price failed")
		}

		if !rule.Crossed(q.Price) {
			continue
		}
		e.fire(ctx, rule, q.Price)
	}
	return nil
}

// fire flips the rule inactive, publishes the trigger event, and delivers
// notifications when the owner has active alert-purpose destinations.
func (e *AlertEvaluator) fire(ctx context.Context, rule models.AlertRule, price float64) {
	at := e.now()

	flipped, err := e.store.TriggerAlert(ctx, rule.ID, price, at)
	if err != nil {
		e.logger.Error().Err(err).Str("rule", rule.ID).Msg("trigger persist failed")
		return
	}
	if !flipped {
		// Another cycle got here first; the rule fires at most once.
		return
	}

	rule.Active = false
	rule.TriggeredAt = &at
	rule.LastSeenPrice = &price

	log := logging.WithSymbol(logging.WithOwner(e.logger, rule.Owner), rule.Symbol)
	log.Info().
		Str("rule", rule.ID).
		Str("direction", string(rule.Direction)).
		Float64("threshold", rule.Threshold).
		Float64("price", price).
		Msg("alert triggered")

	e.bus.Publish(SubjectAlerts, models.AlertTriggered{Rule: rule, Price: price, At: at})

	e.appendActivity(ctx, rule.Owner, "alert_triggered",
		fmt.Sprintf("%s %s %.4f crossed at %.4f", rule.Symbol, rule.Direction, rule.Threshold, price),
		map[string]interface{}{"ruleId": rule.ID, "price": price})

	dests, err := e.alertDestinations(ctx, rule.Owner)
	if err != nil {
		log.Warn().Err(err).Msg("resolving destinations failed")
		return
	}
	if len(dests) == 0 {
		return
	}

	payload := alertPayload(rule, price, at)
	ledger := e.dispatcher.Deliver(ctx, dests, payload)

	e.bus.Publish(SubjectAlerts, models.AlertNotified{RuleID: rule.ID, Owner: rule.Owner, Ledger: ledger})

	e.appendActivity(ctx, rule.Owner, "delivery",
		fmt.Sprintf("alert %s delivered to %s", rule.ID, ledgerSummary(ledger)),
		map[string]interface{}{"ruleId": rule.ID, "ledger": ledger})
}

func (e *AlertEvaluator) alertDestinations(ctx context.Context, owner string) ([]models.Destination, error) {
	all, err := e.store.GetDestinationsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	var dests []models.Destination
	for _, d := range all {
		if d.Active && d.HasPurpose(models.PurposeAlert) {
			dests = append(dests, d)
		}
	}
	return dests, nil
}

func (e *AlertEvaluator) appendActivity(ctx context.Context, owner, kind, msg string, detail map[string]interface{}) {
	entry := models.ActivityEntry{Owner: owner, Kind: kind, Message: msg, Detail: detail}
	if err := e.store.AppendActivity(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("kind", kind).Msg("activity append failed")
	}
}

func alertPayload(rule models.AlertRule, price float64, at time.Time) notify.Payload {
	verb := "rose above"
	if rule.Direction == models.DirectionBelow {
		verb = "fell below"
	}
	return notify.Payload{
		Subject: fmt.Sprintf("Price alert: %s %s %.2f", rule.Symbol, verb, rule.Threshold),
		Text: fmt.Sprintf("%s %s your threshold of %.2f.\nCurrent price: %.2f\nTriggered at: %s\n",
			rule.Symbol, verb, rule.Threshold, price, at.Format(time.RFC1123)),
		Data: map[string]interface{}{
			"event":     "alert_triggered",
			"ruleId":    rule.ID,
			"symbol":    rule.Symbol,
			"direction": rule.Direction,
			"threshold": rule.Threshold,
			"price":     price,
		},
	}
}

// ledgerSummary renders a "K/N destinations" delivery summary.
func ledgerSummary(ledger []models.DeliveryResult) string {
	ok := 0
	for _, r := range ledger {
		if r.OK {
			ok++
		}
	}
	return fmt.Sprintf("%d/%d destinations", ok, len(ledger))
}
