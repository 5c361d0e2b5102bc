package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "pricepulse/internal/errors"
	"pricepulse/internal/models"
)

func webhookDest(id, target string) models.Destination {
	return models.Destination{
		ID:     id,
		Owner:  "user-1",
		Label:  "hook " + id,
		Kind:   models.KindWebhook,
		Target: target,
		Active: true,
	}
}

func TestDeliverReportsPerDestinationOutcomes(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	d := NewDispatcher(Config{WebhookTimeout: 5 * time.Second}, zerolog.Nop())
	dests := []models.Destination{
		webhookDest("d1", ok.URL),
		webhookDest("d2", broken.URL),
	}

	ledger := d.Deliver(context.Background(), dests, Payload{Subject: "s", Text: "t"})

	require.Len(t, ledger, 2, "every destination yields exactly one result")
	assert.Equal(t, "d1", ledger[0].DestinationID)
	assert.True(t, ledger[0].OK)
	assert.Empty(t, ledger[0].Error)

	assert.Equal(t, "d2", ledger[1].DestinationID)
	assert.False(t, ledger[1].OK)
	assert.Contains(t, ledger[1].Error, "500")
	assert.False(t, ledger[1].Timestamp.IsZero())
}

func TestDeliverEmptyDestinations(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	ledger := d.Deliver(context.Background(), nil, Payload{Subject: "s"})
	assert.Empty(t, ledger)
}

func TestWebhookPayloadShape(t *testing.T) {
	var mu sync.Mutex
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	d := NewDispatcher(Config{}, zerolog.Nop())
	dest := webhookDest("d1", srv.URL)
	dest.Label = "team hook"
	payload := Payload{
		Subject: "Price alert: BTC-USD rose above 50000.00",
		Text:    "details",
		Data:    map[string]interface{}{"symbol": "BTC-USD", "price": 50123.5},
	}

	ledger := d.Deliver(context.Background(), []models.Destination{dest}, payload)
	require.True(t, ledger[0].OK)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload.Subject, body["subject"])
	assert.Equal(t, "details", body["text"])
	assert.Equal(t, "BTC-USD", body["symbol"])
	assert.Equal(t, 50123.5, body["price"])

	meta, ok := body["destination"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "d1", meta["id"])
	assert.Equal(t, "team hook", meta["label"])
	assert.Equal(t, "webhook", meta["kind"])
}

func TestWebhookUnreachableTargetFails(t *testing.T) {
	d := NewDispatcher(Config{WebhookTimeout: time.Second}, zerolog.Nop())
	dest := webhookDest("d1", "http://127.0.0.1:1/unreachable")

	ledger := d.Deliver(context.Background(), []models.Destination{dest}, Payload{Subject: "s"})
	require.Len(t, ledger, 1)
	assert.False(t, ledger[0].OK)
	assert.NotEmpty(t, ledger[0].Error)
}

func TestEmailWithoutMailMechanismFailsImmediately(t *testing.T) {
	d := NewDispatcher(Config{Mail: nil}, zerolog.Nop())
	dest := models.Destination{
		ID:     "d1",
		Kind:   models.KindEmail,
		Target: "alerts@example.com",
		Active: true,
	}

	ledger := d.Deliver(context.Background(), []models.Destination{dest}, Payload{Subject: "s"})
	require.Len(t, ledger, 1)
	assert.False(t, ledger[0].OK)
	assert.Equal(t, apperrors.ErrMailNotConfigured.Error(), ledger[0].Error)
}

type recordingMail struct {
	mu   sync.Mutex
	to   []string
	err  error
	subj string
}

func (m *recordingMail) SendMail(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = append(m.to, to)
	m.subj = subject
	return m.err
}

func TestEmailRoutesThroughMailSender(t *testing.T) {
	mail := &recordingMail{}
	d := NewDispatcher(Config{Mail: mail}, zerolog.Nop())
	dest := models.Destination{ID: "d1", Kind: models.KindEmail, Target: "a@example.com", Active: true}

	ledger := d.Deliver(context.Background(), []models.Destination{dest}, Payload{Subject: "hello"})
	require.True(t, ledger[0].OK)
	assert.Equal(t, []string{"a@example.com"}, mail.to)
	assert.Equal(t, "hello", mail.subj)
}

func TestEmailFailureLandsInLedgerOnly(t *testing.T) {
	mail := &recordingMail{err: errors.New("relay rejected sender")}
	d := NewDispatcher(Config{Mail: mail}, zerolog.Nop())
	dest := models.Destination{ID: "d1", Kind: models.KindEmail, Target: "a@example.com", Active: true}

	ledger := d.Deliver(context.Background(), []models.Destination{dest}, Payload{Subject: "hello"})
	require.Len(t, ledger, 1)
	assert.False(t, ledger[0].OK)
	assert.Contains(t, ledger[0].Error, "relay rejected sender")
}

func TestUnknownDestinationKindFails(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	dest := models.Destination{ID: "d1", Kind: "carrier-pigeon", Target: "roof", Active: true}

	ledger := d.Deliver(context.Background(), []models.Destination{dest}, Payload{Subject: "s"})
	require.Len(t, ledger, 1)
	assert.False(t, ledger[0].OK)
	assert.Contains(t, ledger[0].Error, "carrier-pigeon")
}
