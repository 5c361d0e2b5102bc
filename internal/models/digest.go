package models

import "time"

// DigestFrequency represents how often a digest is sent.
type DigestFrequency string

const (
	FrequencyHourly DigestFrequency = "hourly"
	FrequencyDaily  DigestFrequency = "daily"
	FrequencyWeekly DigestFrequency = "weekly"
)

// Cadence returns the interval between sends for the frequency.
func (f DigestFrequency) Cadence() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Digest represents a recurring per-owner market summary.
// NextRunAt is recomputed from the send time plus the frequency's cadence
// after every send or edit, regardless of delivery outcome.
type Digest struct {
	ID             string
	Owner          string
	Symbols        []string
	Frequency      DigestFrequency
	DestinationIDs []string
	Active         bool
	LastSentAt     *time.Time
	NextRunAt      time.Time
	CreatedAt      time.Time
}

// Advance records a send at t and schedules the next run.
func (d *Digest) Advance(t time.Time) {
	sent := t
	d.LastSentAt = &sent
	d.NextRunAt = t.Add(d.Frequency.Cadence())
}

// Due reports whether the digest should be sent at time now.
func (d *Digest) Due(now time.Time) bool {
	return d.Active && !d.NextRunAt.After(now)
}
