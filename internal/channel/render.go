// Package channel renders batching messages and delivers them to the
// configured outbound channels.
package channel

import (
	"fmt"
	"strings"
	"time"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/envelope"
	"fleetnotify/internal/fleet"
)

// Names resolves display names. *identity.Directory implements it.
type Names interface {
	FleetName(fleetID uint64) string
	VesselName(fleetID uint64, vesselID int, reported string) string
}

// Renderer turns envelopes and messages into plain text.
type Renderer struct {
	names Names
	loc   *time.Location
}

// NewRenderer renders times in loc (UTC when nil).
func NewRenderer(names Names, loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{names: names, loc: loc}
}

const timeLayout = "2006-01-02 15:04 MST"

// Format implements batching.Formatter.
func (r *Renderer) Format(env envelope.Envelope) string {
	name := env.VesselName
	if r.names != nil {
		name = r.names.VesselName(env.FleetID, env.VesselID, env.VesselName)
	} else if name == "" {
		name = fmt.Sprintf("vessel %d", env.VesselID)
	}

	var b strings.Builder
	b.WriteString(name)
	switch env.Status {
	case fleet.StatusCompleted:
		b.WriteString(" arrived")
	case fleet.StatusUnderway:
		b.WriteString(" underway")
	default:
		b.WriteString(" ")
		b.WriteString(env.Status.String())
	}
	if route := firstNonEmpty(env.RouteName, env.RouteID); route != "" {
		b.WriteString(" (")
		b.WriteString(route)
		b.WriteString(")")
	}
	if env.Status == fleet.StatusCompleted {
		b.WriteString(" at ")
	} else {
		b.WriteString(", ETA ")
	}
	b.WriteString(env.Arrival.In(r.loc).Format(timeLayout))
	return b.String()
}

// Render builds the full message text.
func (r *Renderer) Render(msg batching.Message) string {
	fleetName := fleet.FormatFleetID(msg.FleetID)
	if r.names != nil {
		fleetName = r.names.FleetName(msg.FleetID)
	}

	var b strings.Builder
	switch {
	case msg.Kind == batching.KindCycle:
		fmt.Fprintf(&b, "%s: fleet cycle complete", fleetName)
	case len(msg.Items) == 1:
		b.WriteString(fleetName)
	default:
		fmt.Fprintf(&b, "%s: %d voyage updates", fleetName, len(msg.Items))
	}
	if msg.Forced {
		b.WriteString(" (manual)")
	}

	for _, it := range msg.Items {
		b.WriteString("\n")
		b.WriteString(r.payload(it))
	}
	if len(msg.Completed) > 0 {
		b.WriteString("\nCompleted:")
		for _, it := range msg.Completed {
			b.WriteString("\n")
			b.WriteString(r.payload(it))
		}
	}
	if !msg.Timestamp.IsZero() && len(msg.Items) > 1 {
		fmt.Fprintf(&b, "\nLatest arrival %s", msg.Timestamp.In(r.loc).Format(timeLayout))
	}
	return b.String()
}

func (r *Renderer) payload(it batching.Item) string {
	if it.Payload != "" {
		return "- " + it.Payload
	}
	return "- " + r.Format(it.Envelope)
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
