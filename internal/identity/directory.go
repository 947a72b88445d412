// Package identity resolves fleet ids to display names for rendered messages.
package identity

import (
	"strconv"
	"strings"
	"sync"

	"fleetnotify/internal/fleet"
)

// Fleet is one configured fleet.
type Fleet struct {
	ID   uint64
	Name string
	// Vessels optionally overrides vessel names reported by the snapshot source.
	Vessels map[int]string
}

// Directory is safe for concurrent use and can be replaced wholesale on
// config reload.
type Directory struct {
	mu     sync.RWMutex
	fleets map[uint64]Fleet
}

func NewDirectory(fleets []Fleet) *Directory {
	d := &Directory{}
	d.Apply(fleets)
	return d
}

func (d *Directory) Apply(fleets []Fleet) {
	m := make(map[uint64]Fleet, len(fleets))
	for _, f := range fleets {
		if f.ID == 0 {
			continue
		}
		vessels := make(map[int]string, len(f.Vessels))
		for id, n := range f.Vessels {
			vessels[id] = n
		}
		f.Vessels = vessels
		m[f.ID] = f
	}
	d.mu.Lock()
	d.fleets = m
	d.mu.Unlock()
}

// FleetName falls back to the hex fleet id.
func (d *Directory) FleetName(fleetID uint64) string {
	d.mu.RLock()
	f, ok := d.fleets[fleetID]
	d.mu.RUnlock()
	if ok && strings.TrimSpace(f.Name) != "" {
		return f.Name
	}
	return "fleet " + fleet.FormatFleetID(fleetID)
}

// VesselName prefers a configured override, then reported, then an id-based name.
func (d *Directory) VesselName(fleetID uint64, vesselID int, reported string) string {
	d.mu.RLock()
	f, ok := d.fleets[fleetID]
	d.mu.RUnlock()
	if ok {
		if n := strings.TrimSpace(f.Vessels[vesselID]); n != "" {
			return n
		}
	}
	if strings.TrimSpace(reported) != "" {
		return reported
	}
	return "vessel " + strconv.Itoa(vesselID)
}

// Known reports whether the fleet is configured.
func (d *Directory) Known(fleetID uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.fleets[fleetID]
	return ok
}
