// Package batching turns per-vessel envelopes accepted by the dispatch
// worker into fleet-level outbound messages.
//
// Three policies share one contract:
//   - window: time-window aggregation per fleet (production default)
//   - cycle: waits for a complete fleet turnover before sending
//   - direct: one message per envelope, sent synchronously
//
// Every policy orders items by arrival and stamps messages with the latest
// arrival, so the sink sees the same shape regardless of the policy chosen.
package batching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"fleetnotify/internal/dispatch"
	"fleetnotify/internal/envelope"
	"fleetnotify/internal/eventbus"
	"fleetnotify/internal/queue"
	logx "fleetnotify/pkg/logx"
)

var (
	ErrClosed        = errors.New("batching policy closed")
	ErrUnknownPolicy = errors.New("unknown batching policy")
	errThrottled     = errors.New("channel throttled")
)

const (
	PolicyWindow = "window"
	PolicyCycle  = "cycle"
	PolicyDirect = "direct"
)

// Item is one accepted notification with its rendered payload.
type Item struct {
	Envelope envelope.Envelope
	Payload  string
}

type Kind string

const (
	KindSingle     Kind = "single"
	KindAggregated Kind = "aggregated"
	KindCycle      Kind = "cycle"
)

// Message is what a Sink receives.
type Message struct {
	ID      string
	FleetID uint64
	Kind    Kind
	// Items are ordered by arrival ascending.
	Items []Item
	// Completed carries the completion notices that made a cycle ready (cycle policy only).
	Completed []Item
	// Timestamp is the latest arrival among Items.
	Timestamp time.Time
	// Forced is set for operator-triggered flushes.
	Forced bool
}

// Hashes returns the content hashes carried by the message.
func (m Message) Hashes() []string {
	out := make([]string, 0, len(m.Items))
	for _, it := range m.Items {
		out = append(out, it.Envelope.Hash)
	}
	return out
}

// Sink delivers a message to an external channel. Errors wrapped with
// dispatch.RateLimited or dispatch.Permanent are honored by the policies.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Formatter renders the per-item payload.
type Formatter interface {
	Format(env envelope.Envelope) string
}

type FormatterFunc func(env envelope.Envelope) string

func (f FormatterFunc) Format(env envelope.Envelope) string { return f(env) }

// Requeuer takes back envelopes whose batch failed after the queue had
// already acknowledged them. *queue.Queue implements it.
type Requeuer interface {
	// RetryEnvelope schedules another attempt within the retry budget.
	RetryEnvelope(env envelope.Envelope, cause error, overrideDelay *time.Duration) queue.Outcome
	// DeadLetterEnvelope records a permanent rejection.
	DeadLetterEnvelope(env envelope.Envelope, cause error) bool
}

// Policy is the dispatcher the worker hands envelopes to.
type Policy interface {
	dispatch.Dispatcher
	Name() string
	// Apply hot-reloads tunables; the policy kind itself is fixed.
	Apply(cfg Config)
	// FlushNow sends whatever is held for the fleet immediately. The cycle
	// policy keeps its cycle-ready state across a forced flush.
	FlushNow(ctx context.Context, fleetID uint64) error
	// Pending returns the items held for a fleet, arrival order.
	Pending(fleetID uint64) []Item
	// Close stops timers and drains held batches, bounded by ctx.
	Close(ctx context.Context) error
}

// Config selects and tunes a policy.
type Config struct {
	Policy    string
	Window    time.Duration
	MaxBatch  int
	CycleSize int
}

const (
	DefaultWindow    = 2 * time.Second
	MinWindow        = 500 * time.Millisecond
	MaxWindow        = 15 * time.Second
	DefaultMaxBatch  = 4
	DefaultCycleSize = 4
)

// ClampWindow applies the default and the [MinWindow, MaxWindow] bounds.
func ClampWindow(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultWindow
	case d < MinWindow:
		return MinWindow
	case d > MaxWindow:
		return MaxWindow
	}
	return d
}

// Deps are the collaborators shared by all policies.
type Deps struct {
	Sink      Sink
	Clock     clockwork.Clock
	Log       logx.Logger
	Bus       eventbus.Bus
	Requeue   Requeuer
	Formatter Formatter
	// FleetSize reports the number of vessels in a fleet; 0 when unknown.
	FleetSize func(fleetID uint64) int
}

// New builds the policy named by cfg.Policy (window when empty).
func New(cfg Config, deps Deps) (Policy, error) {
	b, err := newBase(deps)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case "", PolicyWindow:
		return newWindow(b, cfg), nil
	case PolicyCycle:
		return newCycle(b, cfg), nil
	case PolicyDirect:
		return newDirect(b), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.Policy)
	}
}

// BatchEvent is published on the event bus after every send attempt.
type BatchEvent struct {
	ID      string    `json:"id"`
	FleetID uint64    `json:"fleet_id"`
	Policy  string    `json:"policy"`
	Kind    string    `json:"kind"`
	Size    int       `json:"size"`
	Hashes  []string  `json:"hashes"`
	Forced  bool      `json:"forced,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// base holds what every policy needs to build and send messages.
type base struct {
	sink    Sink
	clock   clockwork.Clock
	log     logx.Logger
	bus     eventbus.Bus
	requeue Requeuer
	format  Formatter
	size    func(uint64) int
}

func newBase(d Deps) (*base, error) {
	if d.Sink == nil {
		return nil, errors.New("batching: sink is required")
	}
	b := &base{sink: d.Sink, clock: d.Clock, log: d.Log, bus: d.Bus, requeue: d.Requeue, format: d.Formatter, size: d.FleetSize}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	if b.bus == nil {
		b.bus = eventbus.Nop{}
	}
	if b.format == nil {
		b.format = FormatterFunc(DefaultFormat)
	}
	if b.size == nil {
		b.size = func(uint64) int { return 0 }
	}
	return b, nil
}

func (b *base) item(env envelope.Envelope) Item {
	return Item{Envelope: env, Payload: b.format.Format(env)}
}

// message builds a sink message from items (copied and ordered).
func (b *base) message(fleetID uint64, kind Kind, items []Item, forced bool) Message {
	sorted := SortItems(items)
	if kind == "" {
		kind = KindAggregated
		if len(sorted) == 1 {
			kind = KindSingle
		}
	}
	msg := Message{ID: uuid.NewString(), FleetID: fleetID, Kind: kind, Items: sorted, Forced: forced}
	for _, it := range sorted {
		if it.Envelope.Arrival.After(msg.Timestamp) {
			msg.Timestamp = it.Envelope.Arrival
		}
	}
	return msg
}

// send delivers msg and records the attempt in metrics, logs and events.
func (b *base) send(ctx context.Context, policy string, msg Message) error {
	err := b.sink.Send(ctx, msg)

	ev := BatchEvent{
		ID:      msg.ID,
		FleetID: msg.FleetID,
		Policy:  policy,
		Kind:    string(msg.Kind),
		Size:    len(msg.Items),
		Hashes:  msg.Hashes(),
		Forced:  msg.Forced,
		At:      b.clock.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
		batchFailedTotal.WithLabelValues(policy).Inc()
		b.bus.Publish(eventbus.Event{Type: eventbus.TopicBatchFailed, Time: ev.At, Data: ev})
		b.log.Warn("batch send failed",
			logx.String("policy", policy),
			logx.Hex("fleet", msg.FleetID),
			logx.Int("size", len(msg.Items)),
			logx.Err(err),
		)
		return err
	}
	batchSentTotal.WithLabelValues(policy, string(msg.Kind)).Inc()
	batchSize.WithLabelValues(policy).Observe(float64(len(msg.Items)))
	b.bus.Publish(eventbus.Event{Type: eventbus.TopicBatchSent, Time: ev.At, Data: ev})
	b.log.Info("batch sent",
		logx.String("policy", policy),
		logx.Hex("fleet", msg.FleetID),
		logx.String("kind", string(msg.Kind)),
		logx.Int("size", len(msg.Items)),
		logx.Bool("forced", msg.Forced),
	)
	return nil
}

// returnToQueue hands acknowledged envelopes of a failed batch back to the
// queue: a permanent rejection dead-letters them, anything else goes through
// the retry schedule (after the signalled delay for a rate limit).
func (b *base) returnToQueue(items []Item, cause error) {
	permanent := dispatch.IsPermanent(cause)
	var delay *time.Duration
	if d, ok := dispatch.RetryAfter(cause); ok {
		delay = &d
	}
	for _, it := range items {
		taken := false
		switch {
		case b.requeue == nil:
		case permanent:
			taken = b.requeue.DeadLetterEnvelope(it.Envelope, cause)
		default:
			taken = b.requeue.RetryEnvelope(it.Envelope, cause, delay) != queue.OutcomeIgnored
		}
		if !taken {
			b.log.Error("batched notification dropped",
				logx.String("hash", it.Envelope.ShortHash()),
				logx.Hex("fleet", it.Envelope.FleetID),
				logx.Int("vessel", it.Envelope.VesselID),
				logx.Err(cause),
			)
		}
	}
}

// SortItems returns a copy of items ordered by arrival, then vessel id.
func SortItems(items []Item) []Item {
	out := append([]Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Envelope, out[j].Envelope
		if !a.Arrival.Equal(b.Arrival) {
			return a.Arrival.Before(b.Arrival)
		}
		return a.VesselID < b.VesselID
	})
	return out
}

// DefaultFormat renders a one-line summary of an envelope.
func DefaultFormat(env envelope.Envelope) string {
	name := env.VesselName
	if name == "" {
		name = fmt.Sprintf("vessel %d", env.VesselID)
	}
	route := env.RouteName
	if route == "" {
		route = env.RouteID
	}
	if route == "" {
		return fmt.Sprintf("%s %s, arrival %s", name, env.Status, env.Arrival.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s %s on %s, arrival %s", name, env.Status, route, env.Arrival.Format(time.RFC3339))
}
