package batching

import (
	"context"
	"sync/atomic"

	"fleetnotify/internal/envelope"
)

// directPolicy sends every envelope on its own, synchronously. Sink errors go
// straight back to the worker so the queue's retry schedule applies.
type directPolicy struct {
	*base
	closed atomic.Bool
}

func newDirect(b *base) *directPolicy { return &directPolicy{base: b} }

func (p *directPolicy) Name() string { return PolicyDirect }
func (p *directPolicy) Apply(Config) {}

func (p *directPolicy) Dispatch(ctx context.Context, env envelope.Envelope) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.send(ctx, PolicyDirect, p.message(env.FleetID, KindSingle, []Item{p.item(env)}, false))
}

func (p *directPolicy) FlushNow(context.Context, uint64) error { return nil }
func (p *directPolicy) Pending(uint64) []Item                  { return nil }

func (p *directPolicy) Close(context.Context) error {
	p.closed.Store(true)
	return nil
}
