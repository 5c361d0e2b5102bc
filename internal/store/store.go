// Package store provides the durable record store for alerts, digests,
// destinations, and the append-only activity log.
package store

import (
	"context"
	"time"

	"pricepulse/internal/models"
)

// Store defines the persistence collaborator consumed by the alerting
// pipeline.
type Store interface {
	// Alerts
	SaveAlert(ctx context.Context, rule *models.AlertRule) error
	GetActiveAlerts(ctx context.Context) ([]models.AlertRule, error)
	GetAlertsByOwner(ctx context.Context, owner string) ([]models.AlertRule, error)
	// TriggerAlert atomically flips an active rule inactive and records
	// the trigger price and time. It reports false when the rule was
	// already inactive, guaranteeing an at-most-once trigger.
	TriggerAlert(ctx context.Context, id string, price float64, at time.Time) (bool, error)
	MarkAlertSeen(ctx context.Context, id string, price float64) error
	DeleteAlert(ctx context.Context, id, owner string) error

	// Digests
	SaveDigest(ctx context.Context, digest *models.Digest) error
	GetDueDigests(ctx context.Context, now time.Time) ([]models.Digest, error)
	GetActiveDigests(ctx context.Context) ([]models.Digest, error)
	GetDigestsByOwner(ctx context.Context, owner string) ([]models.Digest, error)
	UpdateDigestSchedule(ctx context.Context, id string, lastSentAt, nextRunAt time.Time) error
	DeleteDigest(ctx context.Context, id, owner string) error

	// Destinations
	SaveDestination(ctx context.Context, dest *models.Destination) error
	GetDestinationsByOwner(ctx context.Context, owner string) ([]models.Destination, error)
	DeleteDestination(ctx context.Context, id, owner string) error

	// Activity (append-only)
	AppendActivity(ctx context.Context, entry models.ActivityEntry) error
	GetRecentActivity(ctx context.Context, owner string, limit int) ([]models.ActivityEntry, error)

	Close() error
}
