// Package source reads fleet-state documents written by the acquisition
// process and registers them as snapshots.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleetnotify/internal/fleet"
	logx "fleetnotify/pkg/logx"
)

var ErrNoPath = errors.New("source path is empty")

// Registrar receives parsed snapshots. *snapshot.Cache implements it.
type Registrar interface {
	Register(ctx context.Context, snap fleet.Snapshot) error
}

// Document is the on-disk fleet-state format.
type Document struct {
	Fleets []FleetDoc `json:"fleets"`
}

type FleetDoc struct {
	// ID is the fleet id in hex, with or without a 0x prefix.
	ID         string      `json:"id"`
	CapturedAt time.Time   `json:"captured_at"`
	Vessels    []VesselDoc `json:"vessels"`
}

type VesselDoc struct {
	ID     int        `json:"id"`
	Name   string     `json:"name"`
	Voyage *VoyageDoc `json:"voyage,omitempty"`
}

type VoyageDoc struct {
	RouteID   string     `json:"route_id"`
	RouteName string     `json:"route_name"`
	Departure *time.Time `json:"departure,omitempty"`
	Arrival   *time.Time `json:"arrival,omitempty"`
	Status    string     `json:"status"`
}

// FilePoller re-reads one JSON document whenever its size or mtime changed
// and registers every fleet whose captured_at moved forward.
type FilePoller struct {
	path string
	reg  Registrar
	log  logx.Logger

	mu       sync.Mutex
	modTime  time.Time
	size     int64
	captured map[uint64]time.Time
}

func NewFilePoller(path string, reg Registrar, log logx.Logger) *FilePoller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FilePoller{
		path:     strings.TrimSpace(path),
		reg:      reg,
		log:      log,
		captured: map[uint64]time.Time{},
	}
}

func (p *FilePoller) Path() string { return p.path }

// Poll reports how many fleets were registered. An unchanged file is a no-op.
func (p *FilePoller) Poll(ctx context.Context) (int, error) {
	if p.path == "" {
		return 0, ErrNoPath
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, err := os.Stat(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.log.Debug("fleet state not present yet", logx.String("path", p.path))
			return 0, nil
		}
		return 0, err
	}
	if fi.ModTime().Equal(p.modTime) && fi.Size() == p.size {
		return 0, nil
	}

	b, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return 0, fmt.Errorf("parse %s: %w", p.path, err)
	}

	registered := 0
	var errs []error
	for _, fd := range doc.Fleets {
		snap, err := fd.Snapshot(fi.ModTime())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if last, ok := p.captured[snap.FleetID()]; ok && !snap.CapturedAt().After(last) {
			continue
		}
		if err := p.reg.Register(ctx, snap); err != nil {
			// ctx ended; leave file state untouched so the next poll retries.
			return registered, err
		}
		p.captured[snap.FleetID()] = snap.CapturedAt()
		registered++
	}
	p.modTime, p.size = fi.ModTime(), fi.Size()
	if registered > 0 {
		p.log.Debug("fleet state loaded", logx.Int("fleets", registered), logx.String("path", p.path))
	}
	return registered, errors.Join(errs...)
}

// Snapshot converts a fleet document. fallback stamps documents without captured_at.
func (fd FleetDoc) Snapshot(fallback time.Time) (fleet.Snapshot, error) {
	id, err := ParseFleetID(fd.ID)
	if err != nil {
		return fleet.Snapshot{}, err
	}
	captured := fd.CapturedAt
	if captured.IsZero() {
		captured = fallback
	}
	vessels := make([]fleet.Vessel, 0, len(fd.Vessels))
	for _, vd := range fd.Vessels {
		v := fleet.Vessel{ID: vd.ID, Name: vd.Name}
		if vd.Voyage != nil {
			v.Latest = &fleet.Voyage{
				RouteID:   vd.Voyage.RouteID,
				RouteName: vd.Voyage.RouteName,
				Departure: vd.Voyage.Departure,
				Arrival:   vd.Voyage.Arrival,
				Status:    fleet.ParseStatus(vd.Voyage.Status),
			}
		}
		vessels = append(vessels, v)
	}
	return fleet.NewSnapshot(id, captured.UTC(), vessels), nil
}

// ParseFleetID parses a hex fleet id; zero is rejected.
func ParseFleetID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fleet id %q: %w", s, err)
	}
	if id == 0 {
		return 0, errors.New("fleet id must not be zero")
	}
	return id, nil
}
