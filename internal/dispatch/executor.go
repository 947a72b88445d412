package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// Executor runs fn on the execution context the delivery path requires.
// Run blocks until fn returns or ctx is done.
type Executor interface {
	Run(ctx context.Context, fn func(context.Context) error) error
}

// Inline runs fn on the caller's goroutine.
type Inline struct{}

func (Inline) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Serial runs every fn on one dedicated goroutine, in submission order.
// It is used when the delivery client is not safe for concurrent use and is
// shared with other callers (the admin API's manual flush, for example).
type Serial struct {
	jobs  chan serialJob
	done  chan struct{}
	close sync.Once
}

type serialJob struct {
	ctx context.Context
	fn  func(context.Context) error
	res chan error
}

func NewSerial() *Serial {
	s := &Serial{jobs: make(chan serialJob), done: make(chan struct{})}
	go s.loop()
	return s
}

func (s *Serial) loop() {
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			j.res <- s.exec(j)
		}
	}
}

func (s *Serial) exec(j serialJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in serial executor: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.fn(j.ctx)
}

func (s *Serial) Run(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-s.done:
		return context.Canceled
	default:
	}
	j := serialJob{ctx: ctx, fn: fn, res: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return context.Canceled
	}
	// Once accepted the job always completes; fn is expected to honor ctx.
	return <-j.res
}

// Close stops the executor goroutine. Pending Run calls return context.Canceled.
func (s *Serial) Close() {
	s.close.Do(func() { close(s.done) })
}
