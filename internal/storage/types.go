// Package storage keeps an append-only journal of delivery outcomes.
//
// The journal is an operator audit trail. It is never read back into the
// queue: queue state stays in memory and resets on restart.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one journal line. Kind is the event-bus topic that produced it.
type Entry struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Hash     string    `json:"hash,omitempty"`
	FleetID  uint64    `json:"fleet_id"`
	VesselID int       `json:"vessel_id,omitempty"`
	ItemID   string    `json:"item_id,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	BatchID  string    `json:"batch_id,omitempty"`
	Policy   string    `json:"policy,omitempty"`
	Size     int       `json:"size,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Store is the journal API.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// Prune drops entries older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
