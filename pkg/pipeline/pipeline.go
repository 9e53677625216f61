// Package pipeline runs the plane filter over a z stack on a bounded pool of
// goroutines and hands the results to a single consumer in ascending plane
// order.
//
// Filtering runs fully in parallel. Only publishing is serialised: every
// plane owns a one-shot done channel that is closed once the plane has been
// published (or skipped), and a worker waits on its predecessor's channel
// before sending to the output.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"cellfinder/internal/models"
)

// Source supplies the raw planes of a volume, indexed from 0 to Len()-1
type Source interface {
	Len() int
	Load(id int) (*models.Plane, error)
}

// Filter transforms a plane in place and returns its tile mask.
// Implementations must be safe for concurrent use.
type Filter interface {
	Apply(p *models.Plane) (*models.TileMask, error)
}

// ProgressFunc reports the number of planes published so far
type ProgressFunc func(published, total int, message string)

// WorkerFailure reports a plane that could not be loaded or filtered
type WorkerFailure struct {
	PlaneID int
	Err     error
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("plane %d: %v", e.PlaneID, e.Err)
}

func (e *WorkerFailure) Unwrap() error {
	return e.Err
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger used for failures and debug output
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithProgress sets a callback invoked after every published plane
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) {
		p.progress = fn
	}
}

// Pipeline schedules one filter invocation per plane
type Pipeline struct {
	filter   Filter
	workers  int
	logger   *log.Logger
	progress ProgressFunc
}

// New creates a pipeline running filter on at most workers planes at once.
// Each in-flight plane is held in memory until it is published, so workers
// also bounds peak memory.
func New(filter Filter, workers int, opts ...Option) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	p := &Pipeline{
		filter:  filter,
		workers: workers,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workers returns the size of the worker pool
func (p *Pipeline) Workers() int {
	return p.workers
}

// WorkerCount derives the pool size from the CPU budget:
// min(maxWorkers, NumCPU - freeCPUs), and never less than one
func WorkerCount(maxWorkers, freeCPUs int) int {
	n := runtime.NumCPU() - freeCPUs
	if maxWorkers < n {
		n = maxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// runState is shared by the workers of one Run. failure and published are
// only touched inside the serialised publish step, so the done-channel
// chain orders every access.
type runState struct {
	src   Source
	out   chan<- models.FilteredPlane
	total int

	sem  chan struct{}
	done []chan struct{}
	wg   sync.WaitGroup

	// stop is raised as soon as any plane fails, to halt dispatch
	stop atomic.Bool

	failure   *WorkerFailure
	published int
}

// Run filters every plane of src and sends the results to out in strictly
// ascending plane order. out is closed when Run returns.
//
// When a plane fails, the planes before it are still published, the failure
// itself is published as an element whose Err is a *WorkerFailure, and
// nothing after it is sent. Run then returns that failure. Cancelling ctx
// stops dispatching and publishing; planes already being filtered finish
// their computation and are dropped. Run returns ctx.Err() unless every
// plane had already been published.
func (p *Pipeline) Run(ctx context.Context, src Source, out chan<- models.FilteredPlane) error {
	defer close(out)

	n := src.Len()
	if n == 0 {
		return nil
	}

	st := &runState{
		src:   src,
		out:   out,
		total: n,
		sem:   make(chan struct{}, p.workers),
		done:  make([]chan struct{}, n),
	}
	for i := range st.done {
		st.done[i] = make(chan struct{})
	}

	p.logger.Printf("Filtering %d planes with %d workers", n, p.workers)

dispatch:
	for id := 0; id < n; id++ {
		select {
		case st.sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		if st.stop.Load() || ctx.Err() != nil {
			<-st.sem
			break
		}

		var prev <-chan struct{}
		if id > 0 {
			prev = st.done[id-1]
		}
		st.wg.Add(1)
		go p.process(ctx, st, id, prev)
	}

	st.wg.Wait()

	if st.failure != nil {
		return st.failure
	}
	// A cancellation that arrives after the last plane was published does
	// not fail the run
	if err := ctx.Err(); err != nil && st.published < st.total {
		return err
	}
	return nil
}

// process computes one plane, waits for its predecessor and publishes
func (p *Pipeline) process(ctx context.Context, st *runState, id int, prev <-chan struct{}) {
	defer st.wg.Done()
	defer func() { <-st.sem }()
	defer close(st.done[id])

	plane, mask, err := p.filterPlane(st.src, id)
	if err != nil {
		st.stop.Store(true)
	}

	// Every worker closes its done channel on all paths and only blocks
	// elsewhere on ctx-aware operations, so this wait always ends
	if prev != nil {
		<-prev
	}

	// An earlier plane failed or the run was cancelled; nothing after that
	// point is published
	if st.failure != nil || ctx.Err() != nil {
		return
	}

	result := models.FilteredPlane{Plane: plane, Mask: mask}
	if err != nil {
		failure := &WorkerFailure{PlaneID: id, Err: err}
		st.failure = failure
		result = models.FilteredPlane{Err: failure}
		p.logger.Printf("Error: %v", failure)
	}

	select {
	case st.out <- result:
	case <-ctx.Done():
		return
	}

	if err == nil {
		st.published++
		if p.progress != nil {
			p.progress(st.published, st.total, "")
		}
	}
}

// filterPlane loads and filters one plane. A panicking filter is reported
// as an error so the ordering chain is never left waiting.
func (p *Pipeline) filterPlane(src Source, id int) (plane *models.Plane, mask *models.TileMask, err error) {
	defer func() {
		if r := recover(); r != nil {
			plane, mask = nil, nil
			err = fmt.Errorf("filter panicked: %v", r)
		}
	}()

	plane, err = src.Load(id)
	if err != nil {
		return nil, nil, fmt.Errorf("loading plane: %w", err)
	}
	plane.ID = id

	mask, err = p.filter.Apply(plane)
	if err != nil {
		return nil, nil, fmt.Errorf("filtering plane: %w", err)
	}
	return plane, mask, nil
}
