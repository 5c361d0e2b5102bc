package models

import "time"

// ActivityEntry is an append-only audit record.
type ActivityEntry struct {
	ID        string
	Owner     string
	Kind      string // alert_triggered, digest_sent, delivery
	Message   string
	Detail    map[string]interface{}
	CreatedAt time.Time
}
