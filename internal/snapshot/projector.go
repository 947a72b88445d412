package snapshot

import (
	"context"
	"runtime/debug"

	"fleetnotify/internal/detector"
	"fleetnotify/internal/fleet"
	logx "fleetnotify/pkg/logx"
)

// Processor is the detector as seen by the projection.
type Processor interface {
	Process(prev, cur fleet.Snapshot) (detector.Result, error)
}

// Projector is the single consumer of Cache updates. Detector failures are
// logged and never reach the code that registered the snapshot.
type Projector struct {
	updates <-chan Update
	proc    Processor
	log     logx.Logger
}

func NewProjector(updates <-chan Update, proc Processor, log logx.Logger) *Projector {
	return &Projector{updates: updates, proc: proc, log: log}
}

// Run consumes updates until ctx ends or the channel is closed.
func (p *Projector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-p.updates:
			if !ok {
				return nil
			}
			p.handle(u)
		}
	}
}

func (p *Projector) handle(u Update) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("snapshot projection panicked",
				logx.Hex("fleet", u.Cur.FleetID()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	res, err := p.proc.Process(u.Prev, u.Cur)
	if err != nil {
		p.log.Warn("snapshot rejected", logx.Hex("fleet", u.Cur.FleetID()), logx.Err(err))
		return
	}
	if res != (detector.Result{}) {
		p.log.Debug("snapshot projected",
			logx.Hex("fleet", u.Cur.FleetID()),
			logx.Int("buffered", res.Buffered),
			logx.Int("immediate", res.Immediate),
			logx.Int("suppressed", res.Suppressed),
			logx.Int("flushed", res.Flushed),
		)
	}
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(prev, cur fleet.Snapshot) (detector.Result, error)

func (f ProcessorFunc) Process(prev, cur fleet.Snapshot) (detector.Result, error) {
	return f(prev, cur)
}

