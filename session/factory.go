// Package session opens and closes WebDriver sessions on per-worker driver
// processes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mailru/easyjson"

	"github.com/grafana/xk6-webdriver/common"
	"github.com/grafana/xk6-webdriver/driverprocess"
	"github.com/grafana/xk6-webdriver/log"
	"github.com/grafana/xk6-webdriver/trace"
)

// ErrSessionUnavailable is returned when a worker could not get a session.
// It is a per-iteration failure: the worker may try again later.
var ErrSessionUnavailable = errors.New("webdriver session unavailable")

// Client creates and ends sessions on a driver.
type Client interface {
	NewSession(ctx context.Context, baseURL string, caps easyjson.Marshaler) (string, error)
	Quit(ctx context.Context, baseURL, sessionID string) error
}

// Session is an open WebDriver session on a worker's driver process.
type Session struct {
	id       string
	workerID string
	proc     driverprocess.Process
	caps     common.Capabilities

	started        bool
	launchDuration time.Duration

	closed atomic.Bool
}

// ID returns the WebDriver session ID.
func (s *Session) ID() string { return s.id }

// WorkerID returns the identity of the worker owning the session.
func (s *Session) WorkerID() string { return s.workerID }

// Process returns the driver process serving the session.
func (s *Session) Process() driverprocess.Process { return s.proc }

// Capabilities returns the capabilities the session was requested with.
func (s *Session) Capabilities() common.Capabilities { return s.caps }

// ProcessStarted reports whether opening the session launched the driver.
func (s *Session) ProcessStarted() bool { return s.started }

// LaunchDuration returns how long launching the driver took, or zero if the
// session reused a running driver.
func (s *Session) LaunchDuration() time.Duration { return s.launchDuration }

// Factory opens sessions on driver processes kept in a registry.
type Factory struct {
	registry    *driverprocess.Registry
	client      Client
	launcherFor func(*common.DriverOptions) driverprocess.Launcher
	tracer      *trace.Tracer
	logger      *log.Logger
}

// Option configures a Factory.
type Option func(*Factory)

// WithLauncher makes the factory launch processes with l regardless of the
// options sessions are opened with.
func WithLauncher(l driverprocess.Launcher) Option {
	return func(f *Factory) {
		f.launcherFor = func(*common.DriverOptions) driverprocess.Launcher { return l }
	}
}

// WithTracer sets the tracer for session and launch spans.
func WithTracer(t *trace.Tracer) Option {
	return func(f *Factory) {
		f.tracer = t
	}
}

// NewFactory returns a new session factory.
func NewFactory(reg *driverprocess.Registry, client Client, logger *log.Logger, opts ...Option) *Factory {
	f := &Factory{
		registry: reg,
		client:   client,
		tracer:   trace.NewNoopTracer(),
		logger:   logger,
	}
	f.launcherFor = func(o *common.DriverOptions) driverprocess.Launcher {
		return DriverLauncher(o, f.logger)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DriverLauncher returns a launcher that starts the driver executable
// configured in opts.
func DriverLauncher(opts *common.DriverOptions, logger *log.Logger) driverprocess.Launcher {
	return driverprocess.LauncherFunc(func(ctx context.Context, workerID string) (driverprocess.Process, error) {
		p, err := common.LaunchDriver(ctx, workerID, opts, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// OpenSession returns a new session for the worker, launching its driver
// process if it has none. It returns a nil session and an error wrapping
// ErrSessionUnavailable if either the driver or the session can't be
// started. A driver that started but failed to create a session is kept
// for the worker's next attempt.
func (f *Factory) OpenSession(ctx context.Context, workerID string, opts *common.DriverOptions) (*Session, error) {
	ctx, span := f.tracer.TraceWorker(ctx, "session.open", workerID)
	defer span.End()

	var (
		base           = f.launcherFor(opts)
		launchDuration time.Duration
	)
	launcher := driverprocess.LauncherFunc(func(ctx context.Context, workerID string) (driverprocess.Process, error) {
		ctx, span := f.tracer.TraceWorker(ctx, "driver.launch", workerID)
		defer span.End()

		start := time.Now()
		p, err := base.Launch(ctx, workerID)
		launchDuration = time.Since(start)
		if err != nil {
			trace.Fail(span, err)
		}
		return p, err
	})

	proc, started, err := f.registry.Acquire(ctx, workerID, launcher)
	if err != nil {
		err = fmt.Errorf("%w: worker %q: %w", ErrSessionUnavailable, workerID, err)
		trace.Fail(span, err)
		return nil, err
	}
	if !started {
		launchDuration = 0
	}

	caps := common.BuildCapabilities(opts)
	id, err := f.client.NewSession(ctx, proc.URL(), caps)
	if err != nil {
		err = fmt.Errorf("%w: worker %q: %w", ErrSessionUnavailable, workerID, err)
		trace.Fail(span, err)
		return nil, err
	}

	f.logger.Debugf("Factory:OpenSession", "worker:%q pid:%d sid:%q started:%t",
		workerID, proc.Pid(), id, started)

	return &Session{
		id:             id,
		workerID:       workerID,
		proc:           proc,
		caps:           caps,
		started:        started,
		launchDuration: launchDuration,
	}, nil
}

// CloseSession quits sess and then stops the worker's driver process.
// The process is stopped even if quitting fails. Failures are logged.
// A nil sess only stops the process. Closing a session a second time does
// nothing.
func (f *Factory) CloseSession(ctx context.Context, workerID string, sess *Session) {
	if sess != nil && !sess.closed.CompareAndSwap(false, true) {
		return
	}

	ctx, span := f.tracer.TraceWorker(ctx, "session.close", workerID)
	defer span.End()

	defer func() {
		if err := f.registry.Release(ctx, workerID); err != nil {
			trace.Fail(span, err)
			f.logger.Warnf("Factory:CloseSession", "releasing driver: %v", err)
		}
	}()

	if sess == nil {
		return
	}
	if err := f.client.Quit(ctx, sess.proc.URL(), sess.id); err != nil {
		trace.Fail(span, err)
		f.logger.Warnf("Factory:CloseSession", "worker:%q sid:%q: %v", workerID, sess.id, err)
	}
}
