package models

import "time"

// DestinationKind represents the delivery mechanism for a destination.
type DestinationKind string

const (
	KindWebhook DestinationKind = "webhook"
	KindEmail   DestinationKind = "email"
)

// DestinationPurpose restricts what a destination may be used for.
type DestinationPurpose string

const (
	PurposeAlert  DestinationPurpose = "alert"
	PurposeDigest DestinationPurpose = "digest"
)

// Destination represents a configured delivery target.
type Destination struct {
	ID        string
	Owner     string
	Label     string
	Kind      DestinationKind
	Target    string // webhook URL or email address
	Purposes  []DestinationPurpose
	Active    bool
	CreatedAt time.Time
}

// HasPurpose reports whether the destination is enabled for the purpose.
func (d *Destination) HasPurpose(p DestinationPurpose) bool {
	for _, have := range d.Purposes {
		if have == p {
			return true
		}
	}
	return false
}

// DeliveryResult records the outcome of one dispatch attempt to one
// destination. Results are never aggregated into a single pass/fail.
type DeliveryResult struct {
	DestinationID string          `json:"destinationId"`
	Kind          DestinationKind `json:"kind"`
	OK            bool            `json:"ok"`
	Timestamp     time.Time       `json:"timestamp"`
	Error         string          `json:"error,omitempty"`
}
