package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vanshika/votetrace/internal/logging"
	"github.com/vanshika/votetrace/internal/watch"
)

// Runner processes one path. *Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, path string) (Outcome, error)
}

// DispatchStats counts dispatcher activity since start.
type DispatchStats struct {
	Runs      int64 `json:"runs"`
	Failures  int64 `json:"failures"`
	Coalesced int64 `json:"coalesced"`
}

type pathState struct {
	dirty bool
}

// Dispatcher feeds file-ready events to a fixed pool of workers. A path is never run by
// two workers at once; events for a running path mark it dirty so it runs once more
// after the current run ends.
type Dispatcher struct {
	runner  Runner
	workers int
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*pathState

	runs      atomic.Int64
	failures  atomic.Int64
	coalesced atomic.Int64
}

// NewDispatcher creates a Dispatcher with the provided concurrency.
func NewDispatcher(runner Runner, workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		runner:   runner,
		workers:  workers,
		logger:   logging.OrDiscard(logger).With("component", "dispatcher"),
		inflight: make(map[string]*pathState),
	}
}

// Run consumes events until ctx ends or events is closed, then waits for running work.
func (d *Dispatcher) Run(ctx context.Context, events <-chan watch.Event) error {
	pathCh := make(chan string)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for path := range pathCh {
			for {
				d.process(ctx, path)
				if !d.again(ctx, path) {
					break
				}
			}
		}
	}

	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for {
		select {
		case <-ctx.Done():
			break Loop
		case ev, ok := <-events:
			if !ok {
				break Loop
			}
			if !d.claim(ev.Path) {
				continue
			}
			select {
			case pathCh <- ev.Path:
			case <-ctx.Done():
				d.release(ev.Path)
				break Loop
			}
		}
	}
	close(pathCh)
	wg.Wait()
	return nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Runs:      d.runs.Load(),
		Failures:  d.failures.Load(),
		Coalesced: d.coalesced.Load(),
	}
}

func (d *Dispatcher) process(ctx context.Context, path string) {
	d.runs.Add(1)
	out, err := d.runner.Run(ctx, path)
	if err != nil {
		d.failures.Add(1)
		d.logger.Warn("run failed", "path", path, "error", err)
		return
	}
	d.logger.Info("run completed", "path", path, "stats", len(out.Stats), "alerts", len(out.Alerts))
}

// claim reports whether path should be queued, or marks it dirty when already running.
func (d *Dispatcher) claim(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.inflight[path]; ok {
		st.dirty = true
		d.coalesced.Add(1)
		return false
	}
	d.inflight[path] = &pathState{}
	return true
}

// again clears the dirty mark and reports whether path must run once more.
func (d *Dispatcher) again(ctx context.Context, path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.inflight[path]
	if st != nil && st.dirty && ctx.Err() == nil {
		st.dirty = false
		return true
	}
	delete(d.inflight, path)
	return false
}

func (d *Dispatcher) release(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, path)
}
