// Package snapshot keeps the latest snapshot per fleet and feeds every change
// to a single projection goroutine as an immutable Update message.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fleetnotify/internal/detector"
	"fleetnotify/internal/fleet"
	logx "fleetnotify/pkg/logx"
)

// Update pairs the snapshot a fleet had before Register with the new one.
// Prev is the zero Snapshot for the first registration of a fleet.
type Update struct {
	Prev fleet.Snapshot
	Cur  fleet.Snapshot
}

type Cache struct {
	// regMu serializes Register so updates leave in registration order.
	regMu sync.Mutex

	mu    sync.RWMutex
	snaps map[uint64]fleet.Snapshot

	updates chan Update
	log     logx.Logger
}

func NewCache(buffer int, log logx.Logger) *Cache {
	if buffer <= 0 {
		buffer = 16
	}
	return &Cache{
		snaps:   map[uint64]fleet.Snapshot{},
		updates: make(chan Update, buffer),
		log:     log,
	}
}

// Register stores snap as the fleet's current snapshot and publishes the
// update. It blocks while the projection is behind and returns ctx.Err() if
// ctx ends first; the snapshot is stored either way.
func (c *Cache) Register(ctx context.Context, snap fleet.Snapshot) error {
	if snap.FleetID() == 0 {
		return fmt.Errorf("%w: fleet id is required", detector.ErrInvalidSnapshot)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.mu.Lock()
	prev := c.snaps[snap.FleetID()]
	c.snaps[snap.FleetID()] = snap
	c.mu.Unlock()

	select {
	case c.updates <- Update{Prev: prev, Cur: snap}:
		return nil
	case <-ctx.Done():
		c.log.Warn("snapshot update not published", logx.Hex("fleet", snap.FleetID()), logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Updates is consumed by exactly one Projector.
func (c *Cache) Updates() <-chan Update { return c.updates }

func (c *Cache) Get(fleetID uint64) (fleet.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snaps[fleetID]
	return s, ok
}

// FleetSize returns the vessel count of the fleet's current snapshot, 0 if unknown.
func (c *Cache) FleetSize(fleetID uint64) int {
	s, ok := c.Get(fleetID)
	if !ok {
		return 0
	}
	return s.Len()
}

// Fleets lists the known fleet ids in ascending order.
func (c *Cache) Fleets() []uint64 {
	c.mu.RLock()
	out := make([]uint64, 0, len(c.snaps))
	for id := range c.snaps {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
