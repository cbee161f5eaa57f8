package grace

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func ExitOrLog(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// SetupSignalHandler returns a context that is cancelled on the first SIGINT or SIGTERM.
// A second signal terminates the process.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()

	return ctx
}

// Workgroup runs a bounded number of functions concurrently and collects the first error
type Workgroup struct {
	group *errgroup.Group
	ctx   context.Context
}

// NewWorkgroup creates a workgroup that runs at most `limit` functions at once. Non-positive limit means no limit.
func NewWorkgroup(ctx context.Context, limit int) *Workgroup {
	group, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}

	return &Workgroup{
		group: group,
		ctx:   gctx,
	}
}

// Go schedules fn, blocking if the limit of running functions is reached
func (w *Workgroup) Go(fn func(ctx context.Context) error) {
	w.group.Go(func() error {
		return fn(w.ctx)
	})
}

// Wait blocks until all scheduled functions return
func (w *Workgroup) Wait() error {
	return w.group.Wait()
}
