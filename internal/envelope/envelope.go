// Package envelope defines the canonical, hashable unit of outbound information.
//
// The content hash is the sole idempotency mechanism of the pipeline: two
// envelopes built from the same fleet, voyage and arrival instant hash equally,
// regardless of which component built them or in which process.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fleetnotify/internal/fleet"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Confidence ranks how trustworthy the source data of an envelope is.
type Confidence int

const (
	ConfidenceUnknown Confidence = iota
	// Inferred: derived from partial data (e.g. arrival estimated from departure).
	ConfidenceInferred
	// Observed: read from a single acquisition source.
	ConfidenceObserved
	// Confirmed: agreed by more than one source.
	ConfidenceConfirmed
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceInferred:
		return "inferred"
	case ConfidenceObserved:
		return "observed"
	case ConfidenceConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Envelope is immutable; build it with New.
type Envelope struct {
	FleetID    uint64
	VesselID   int
	VesselName string
	RouteID    string
	RouteName  string
	Departure  *time.Time
	Arrival    time.Time
	Status     fleet.Status
	Confidence Confidence
	Hash       string
}

// Input is the raw material for an envelope.
type Input struct {
	FleetID    uint64
	VesselID   int
	VesselName string
	RouteID    string
	RouteName  string
	Departure  *time.Time
	Arrival    time.Time
	Status     fleet.Status
	Confidence Confidence
}

// New normalizes timestamps to UTC and computes the content hash.
func New(in Input) (Envelope, error) {
	if in.FleetID == 0 {
		return Envelope{}, fmt.Errorf("%w: fleet id is required", ErrInvalidEnvelope)
	}
	if in.Arrival.IsZero() {
		return Envelope{}, fmt.Errorf("%w: arrival is required", ErrInvalidEnvelope)
	}
	arrival := NormalizeUTC(in.Arrival)
	var dep *time.Time
	if in.Departure != nil && !in.Departure.IsZero() {
		d := NormalizeUTC(*in.Departure)
		dep = &d
	}
	return Envelope{
		FleetID:    in.FleetID,
		VesselID:   in.VesselID,
		VesselName: in.VesselName,
		RouteID:    in.RouteID,
		RouteName:  in.RouteName,
		Departure:  dep,
		Arrival:    arrival,
		Status:     in.Status,
		Confidence: in.Confidence,
		Hash:       ComputeHash(in.FleetID, VoyageID(in.VesselID, in.RouteID), arrival),
	}, nil
}

// FromVoyage builds an envelope for the latest voyage of a vessel.
func FromVoyage(fleetID uint64, v fleet.Vessel, conf Confidence) (Envelope, error) {
	if v.Latest == nil || !v.Latest.HasArrival() {
		return Envelope{}, fmt.Errorf("%w: vessel %d has no arrival", ErrInvalidEnvelope, v.ID)
	}
	return New(Input{
		FleetID:    fleetID,
		VesselID:   v.ID,
		VesselName: v.Name,
		RouteID:    v.Latest.RouteID,
		RouteName:  v.Latest.RouteName,
		Departure:  v.Latest.Departure,
		Arrival:    *v.Latest.Arrival,
		Status:     v.Latest.Status,
		Confidence: conf,
	})
}

// VoyageID identifies one trip of a vessel on a route.
func VoyageID(vesselID int, routeID string) string {
	return strconv.Itoa(vesselID) + ":" + routeID
}

// NormalizeUTC converts t to UTC and strips the monotonic reading. A time
// without location is UTC already in Go, so it passes through unchanged.
func NormalizeUTC(t time.Time) time.Time {
	return t.Round(0).UTC()
}

// ComputeHash hashes (fleet-id-hex, voyage-id, arrival-ISO8601).
func ComputeHash(fleetID uint64, voyageID string, arrival time.Time) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%016x|%s|%s", fleetID, voyageID, NormalizeUTC(arrival).Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// ShortHash is the log-friendly prefix of the hash.
func (e Envelope) ShortHash() string {
	if len(e.Hash) > 12 {
		return e.Hash[:12]
	}
	return e.Hash
}

// Better reports whether e should replace other when both describe the same
// vessel within the arrival tolerance: earlier arrival wins, then richer
// route/name data, then higher confidence.
func (e Envelope) Better(other Envelope) bool {
	if !e.Arrival.Equal(other.Arrival) {
		return e.Arrival.Before(other.Arrival)
	}
	if ed, od := e.detailScore(), other.detailScore(); ed != od {
		return ed > od
	}
	return e.Confidence > other.Confidence
}

func (e Envelope) detailScore() int {
	n := 0
	if e.RouteID != "" || e.RouteName != "" {
		n++
	}
	if e.VesselName != "" {
		n++
	}
	return n
}
