package queue

import (
	"time"

	"fleetnotify/internal/envelope"
)

// State is the lifecycle of a work item and of its delivery record.
type State int

const (
	StatePending State = iota
	StateDelivering
	StateDelivered
	StateDeadLetter
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivering:
		return "delivering"
	case StateDelivered:
		return "delivered"
	case StateDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Outcome is what ReportFailure decided.
type Outcome int

const (
	// OutcomeIgnored: the item is not (or no longer) live in the queue.
	OutcomeIgnored Outcome = iota
	OutcomeRetry
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "ignored"
	}
}

// Config controls retry, dead-letter retention and idempotency memory.
type Config struct {
	// MaxAttempts is the number of delivery attempts before dead-lettering.
	MaxAttempts int
	// Backoff is indexed by attempt count (attempt 1 uses Backoff[0]); the last
	// entry repeats for higher attempts.
	Backoff            []time.Duration
	DeadLetterCapacity int
	// DeliveredTTL is how long a successful delivery blocks re-enqueueing the same hash.
	DeliveredTTL time.Duration
	// DeadLetterTTL is how long a dead letter blocks re-enqueueing the same hash.
	DeadLetterTTL time.Duration
}

// DefaultBackoff is the retry schedule used when none is configured.
var DefaultBackoff = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if len(c.Backoff) == 0 {
		c.Backoff = append([]time.Duration(nil), DefaultBackoff...)
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 100
	}
	if c.DeliveredTTL <= 0 {
		c.DeliveredTTL = 24 * time.Hour
	}
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = 6 * time.Hour
	}
	return c
}

// WorkItem wraps an envelope while it is owned by the queue.
// Callers receive copies; the queue's own copy is only changed through the
// reporting API.
type WorkItem struct {
	ID            string
	Envelope      envelope.Envelope
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     string
	State         State

	index int // heap position, -1 when not in the heap
}

// DeliveryRecord memoizes the last known outcome for a content hash.
type DeliveryRecord struct {
	Hash      string
	State     State
	// Attempts is carried across acknowledgement so a batched send that
	// fails later still honors MaxAttempts.
	Attempts  int
	UpdatedAt time.Time
	// ExpiresAt is zero for live (pending/delivering) records.
	ExpiresAt time.Time
}

func (r DeliveryRecord) fresh(now time.Time) bool {
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Pending     int
	Delivering  int
	DeadLetters int
	Records     int
}

// DeliveryEvent is published on the event bus for queue lifecycle changes.
type DeliveryEvent struct {
	ItemID   string    `json:"item_id"`
	Hash     string    `json:"hash"`
	FleetID  uint64    `json:"fleet_id"`
	VesselID int       `json:"vessel_id"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	NextAt   time.Time `json:"next_at,omitempty"`
	Error    string    `json:"error,omitempty"`
}
