// Package fleet holds the point-in-time fleet state the pipeline reacts to.
//
// Snapshots are produced by an external acquisition process and are immutable
// once constructed: NewSnapshot copies its input and accessors return copies.
package fleet

import (
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of one voyage.
type Status int

const (
	StatusUnknown Status = iota
	StatusScheduled
	StatusUnderway
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusUnderway:
		return "underway"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus accepts the lowercase names produced by String (case-insensitive).
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scheduled":
		return StatusScheduled
	case "underway":
		return StatusUnderway
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// Voyage is the most recent trip of a vessel.
type Voyage struct {
	RouteID   string
	RouteName string
	Departure *time.Time
	Arrival   *time.Time
	Status    Status
}

// HasArrival reports whether the voyage carries a usable arrival time.
func (v *Voyage) HasArrival() bool {
	return v != nil && v.Arrival != nil && !v.Arrival.IsZero()
}

func (v *Voyage) clone() *Voyage {
	if v == nil {
		return nil
	}
	cp := *v
	if v.Departure != nil {
		d := *v.Departure
		cp.Departure = &d
	}
	if v.Arrival != nil {
		a := *v.Arrival
		cp.Arrival = &a
	}
	return &cp
}

// Vessel is one member of a fleet.
type Vessel struct {
	ID     int
	Name   string
	Latest *Voyage
}

// Snapshot is one fleet's point-in-time view.
type Snapshot struct {
	fleetID    uint64
	capturedAt time.Time
	vessels    []Vessel
}

// NewSnapshot deep-copies vessels so later mutation by the caller is not observed.
func NewSnapshot(fleetID uint64, capturedAt time.Time, vessels []Vessel) Snapshot {
	cp := make([]Vessel, len(vessels))
	for i, v := range vessels {
		cp[i] = Vessel{ID: v.ID, Name: v.Name, Latest: v.Latest.clone()}
	}
	return Snapshot{fleetID: fleetID, capturedAt: capturedAt, vessels: cp}
}

func (s Snapshot) FleetID() uint64       { return s.fleetID }
func (s Snapshot) CapturedAt() time.Time { return s.capturedAt }
func (s Snapshot) IsZero() bool          { return s.fleetID == 0 && len(s.vessels) == 0 }
func (s Snapshot) Len() int              { return len(s.vessels) }

// Vessels returns a copy of the vessel list.
func (s Snapshot) Vessels() []Vessel {
	out := make([]Vessel, len(s.vessels))
	for i, v := range s.vessels {
		out[i] = Vessel{ID: v.ID, Name: v.Name, Latest: v.Latest.clone()}
	}
	return out
}

// Vessel looks up one vessel by id.
func (s Snapshot) Vessel(id int) (Vessel, bool) {
	for _, v := range s.vessels {
		if v.ID == id {
			return Vessel{ID: v.ID, Name: v.Name, Latest: v.Latest.clone()}, true
		}
	}
	return Vessel{}, false
}

// AllUnderwayOrScheduled reports whether every vessel has turned over to a
// new voyage. A vessel without voyage data has not, and an empty snapshot
// reports false.
func (s Snapshot) AllUnderwayOrScheduled() bool {
	for _, v := range s.vessels {
		if v.Latest == nil {
			return false
		}
		if v.Latest.Status != StatusUnderway && v.Latest.Status != StatusScheduled {
			return false
		}
	}
	return len(s.vessels) > 0
}

// FormatFleetID renders a fleet id the way it is used in hashes and logs.
func FormatFleetID(id uint64) string {
	return strconv.FormatUint(id, 16)
}
