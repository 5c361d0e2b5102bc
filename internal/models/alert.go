package models

import "time"

// AlertDirection represents the crossing direction of an alert rule.
type AlertDirection string

const (
	// DirectionAbove triggers when price reaches or exceeds the threshold.
	DirectionAbove AlertDirection = "above"
	// DirectionBelow triggers when price reaches or falls below the threshold.
	DirectionBelow AlertDirection = "below"
)

// AlertRule represents a one-shot price alert.
// A rule is created active and flips inactive exactly once on the first
// observed threshold crossing; it never re-activates automatically.
type AlertRule struct {
	ID            string
	Owner         string
	Symbol        string
	Direction     AlertDirection
	Threshold     float64
	Active        bool
	TriggeredAt   *time.Time
	LastSeenPrice *float64
	CreatedAt     time.Time
}

// Crossed reports whether the given price satisfies the rule's condition.
func (r *AlertRule) Crossed(price float64) bool {
	if r.Direction == DirectionAbove {
		return price >= r.Threshold
	}
	return price <= r.Threshold
}

// AlertTriggered is the event payload published when a rule fires.
type AlertTriggered struct {
	Rule  AlertRule `json:"rule"`
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// AlertNotified is the follow-up event carrying the delivery ledger.
type AlertNotified struct {
	RuleID string           `json:"ruleId"`
	Owner  string           `json:"owner"`
	Ledger []DeliveryResult `json:"ledger"`
}
