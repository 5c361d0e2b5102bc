// Package notify delivers rendered payloads to heterogeneous destinations
// and reports a per-destination outcome ledger.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "pricepulse/internal/errors"
	"pricepulse/internal/models"
)

// Payload is a rendered notification: a subject/text pair plus the
// structured fields that produced it.
type Payload struct {
	Subject string
	Text    string
	Data    map[string]interface{}
}

// MailSender delivers a rendered message to one recipient address.
type MailSender interface {
	SendMail(ctx context.Context, to string, subject string, body string) error
}

// Dispatcher fans a payload out to webhook and email destinations.
// Each destination is attempted independently: one failure never cancels
// or blocks the rest, and every destination yields exactly one result.
type Dispatcher struct {
	client *http.Client
	mail   MailSender
	logger zerolog.Logger
	now    func() time.Time
}

// Config holds dispatcher construction parameters.
type Config struct {
	// WebhookTimeout bounds each webhook POST.
	WebhookTimeout time.Duration
	// Mail is the email delivery mechanism, nil when none is configured.
	Mail MailSender
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, logger zerolog.Logger) *Dispatcher {
	timeout := cfg.WebhookTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		mail:   cfg.Mail,
		logger: logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
	}
}

// Deliver attempts the payload against every destination and returns one
// DeliveryResult per destination, in input order. The call itself never
// fails: partial delivery failure lives in the ledger, not in an error.
func (d *Dispatcher) Deliver(ctx context.Context, dests []models.Destination, p Payload) []models.DeliveryResult {
	results := make([]models.DeliveryResult, len(dests))

	var wg sync.WaitGroup
	for i := range dests {
		wg.Add(1)
		go func(i int, dest models.Destination) {
			defer wg.Done()
			results[i] = d.deliverOne(ctx, dest, p)
		}(i, dests[i])
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) deliverOne(ctx context.Context, dest models.Destination, p Payload) models.DeliveryResult {
	var err error
	switch dest.Kind {
	case models.KindWebhook:
		err = d.sendWebhook(ctx, dest, p)
	case models.KindEmail:
		err = d.sendEmail(ctx, dest, p)
	default:
		err = fmt.Errorf("unknown destination kind %q", dest.Kind)
	}

	result := models.DeliveryResult{
		DestinationID: dest.ID,
		Kind:          dest.Kind,
		OK:            err == nil,
		Timestamp:     d.now(),
	}
	if err != nil {
		result.Error = err.Error()
		d.logger.Warn().
			Str("destination", dest.ID).
			Str("kind", string(dest.Kind)).
			Err(err).
			Msg("delivery failed")
	}
	return result
}

// sendWebhook performs a single bounded-timeout JSON POST. Any non-2xx
// response is a failure carrying the status code; there is no retry.
func (d *Dispatcher) sendWebhook(ctx context.Context, dest models.Destination, p Payload) error {
	body := map[string]interface{}{
		"destination": map[string]interface{}{
			"id":    dest.ID,
			"label": dest.Label,
			"kind":  dest.Kind,
		},
		"subject": p.Subject,
		"text":    p.Text,
	}
	for k, v := range p.Data {
		body[k] = v
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Target, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pricepulse/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sendEmail hands the message to the configured mail mechanism. Email with
// no mechanism configured is a configuration error and fails immediately;
// it is never retried.
func (d *Dispatcher) sendEmail(ctx context.Context, dest models.Destination, p Payload) error {
	if d.mail == nil {
		return apperrors.ErrMailNotConfigured
	}
	return d.mail.SendMail(ctx, dest.Target, p.Subject, p.Text)
}
