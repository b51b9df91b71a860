// Package driverprocess keeps exactly one driver process per worker.
package driverprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/grafana/xk6-webdriver/common"
	"github.com/grafana/xk6-webdriver/log"
)

const (
	defaultShardCount = 32

	// maxParallelStops bounds how many processes ReleaseAll stops at once.
	maxParallelStops = 16
)

// Process is a driver process owned by a single worker.
type Process interface {
	WorkerID() string
	Pid() int
	URL() string
	IsRunning() bool
	// Stop shuts the process down. It must be safe to call on a process
	// that already exited, in which case it only releases resources.
	Stop(ctx context.Context) error
}

// Launcher starts driver processes.
type Launcher interface {
	Launch(ctx context.Context, workerID string) (Process, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, workerID string) (Process, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, workerID string) (Process, error) {
	return f(ctx, workerID)
}

type shard struct {
	mu    sync.RWMutex
	procs map[string]Process
}

// Registry maps worker identities to their driver process. It is safe for
// concurrent use. Operations on different workers don't wait on each other:
// the map is sharded and launches run outside of any shard lock.
type Registry struct {
	shards   []*shard
	launches singleflight.Group
	limiter  *rate.Limiter
	logger   *log.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLaunchRate limits process launches to perSecond across all workers.
// A value of zero or less means no limit.
func WithLaunchRate(perSecond float64) Option {
	return func(r *Registry) {
		if perSecond <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithShards sets the number of map shards.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *log.Logger, opts ...Option) *Registry {
	r := &Registry{
		shards:  newShards(defaultShardCount),
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{procs: make(map[string]Process)}
	}
	return shards
}

func (r *Registry) shardFor(workerID string) *shard {
	return r.shards[xxhash.Sum64String(workerID)%uint64(len(r.shards))]
}

// Acquire returns the running process of the worker, launching one with l
// if the worker has none. started reports whether this call launched it.
//
// Concurrent calls for the same worker share a single launch. Each caller
// waits on its own ctx: a caller that gives up doesn't cancel the launch for
// the others, and the launch is bounded by the launcher's own timeout. If the
// launch fails nothing is registered, so a later call launches again.
func (r *Registry) Acquire(ctx context.Context, workerID string, l Launcher) (p Process, started bool, err error) {
	if p, ok := r.lookupLive(ctx, workerID); ok {
		r.logger.Debugf("Registry:Acquire", "reusing pid %d for worker %q", p.Pid(), workerID)
		return p, false, nil
	}

	// Only the function of the first caller runs; its token marks the result
	// as launched by that caller.
	token := new(byte)
	lctx := context.WithoutCancel(ctx)
	ch := r.launches.DoChan(workerID, func() (any, error) {
		// Another launch for this worker may have finished in between.
		if p, ok := r.lookupLive(lctx, workerID); ok {
			return launch{proc: p}, nil
		}

		if err := r.limiter.Wait(lctx); err != nil {
			return nil, fmt.Errorf("%w: waiting to launch driver: %w", common.ErrDriverStartup, err)
		}

		p, err := l.Launch(lctx, workerID)
		if err != nil {
			return nil, err
		}

		s := r.shardFor(workerID)
		s.mu.Lock()
		s.procs[workerID] = p
		s.mu.Unlock()

		r.logger.Debugf("Registry:Acquire", "launched pid %d for worker %q", p.Pid(), workerID)

		return launch{proc: p, owner: token}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			r.logger.Errorf("Registry:Acquire", "launching driver for worker %q: %v", workerID, res.Err)
			return nil, false, res.Err
		}
		v := res.Val.(launch) //nolint:forcetypeassert
		return v.proc, v.owner == token, nil
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%w: waiting for the driver of worker %q: %w",
			common.ErrDriverStartup, workerID, ctx.Err())
	}
}

// launch is the shared result of a launch.
type launch struct {
	proc  Process
	owner *byte
}

// lookupLive returns the registered process of the worker if it is still
// running. A process that exited on its own is dropped from the registry.
func (r *Registry) lookupLive(ctx context.Context, workerID string) (Process, bool) {
	s := r.shardFor(workerID)

	s.mu.RLock()
	p, ok := s.procs[workerID]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if p.IsRunning() {
		return p, true
	}

	s.mu.Lock()
	if s.procs[workerID] == p {
		delete(s.procs, workerID)
	}
	s.mu.Unlock()

	r.logger.Warnf("Registry:Acquire", "driver pid %d of worker %q is gone, dropping it", p.Pid(), workerID)
	if err := p.Stop(ctx); err != nil {
		r.logger.Warnf("Registry:Acquire", "cleaning up driver pid %d: %v", p.Pid(), err)
	}

	return nil, false
}

// Lookup returns the registered process of the worker, running or not.
func (r *Registry) Lookup(workerID string) (Process, bool) {
	s := r.shardFor(workerID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.procs[workerID]
	return p, ok
}

// Release removes the worker's process from the registry and stops it.
// Releasing a worker without a process is a no-op. The process is removed
// even if stopping it fails; the stop error is returned.
func (r *Registry) Release(ctx context.Context, workerID string) error {
	s := r.shardFor(workerID)

	s.mu.Lock()
	p, ok := s.procs[workerID]
	delete(s.procs, workerID)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	r.logger.Debugf("Registry:Release", "stopping pid %d of worker %q", p.Pid(), workerID)

	if err := p.Stop(ctx); err != nil {
		return fmt.Errorf("stopping driver pid %d of worker %q: %w", p.Pid(), workerID, err)
	}
	return nil
}

// ReleaseAll releases every registered worker. It returns all stop errors
// joined together.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	var workers []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.procs {
			workers = append(workers, id)
		}
		s.mu.RUnlock()
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(maxParallelStops)
	for _, id := range workers {
		id := id
		g.Go(func() error {
			if err := r.Release(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	var n int
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.procs)
		s.mu.RUnlock()
	}
	return n
}
