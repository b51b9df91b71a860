/*
 *
 * xk6-webdriver - a WebDriver session extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/grafana/xk6-webdriver/log"
	"github.com/grafana/xk6-webdriver/osext"
	"github.com/grafana/xk6-webdriver/storage"
	"github.com/grafana/xk6-webdriver/wdclient"
)

const (
	driverLogFileName      = "chromedriver.log"
	driverProbeTimeout     = 2 * time.Second
	driverShutdownGrace    = 5 * time.Second
	driverReadyInitialWait = 25 * time.Millisecond
	driverReadyMaxWait     = 500 * time.Millisecond
)

var (
	errDriverExited   = errors.New("driver process ended unexpectedly")
	errDriverNotReady = errors.New("driver is not ready for new sessions")
	errDriverNoPort   = errors.New("driver output ended without a listening port")
)

// driverStartedRe matches the line chromedriver prints on stdout once it
// listens, which carries the port it picked.
var driverStartedRe = regexp.MustCompile(`started successfully on port (\d+)`)

// DriverProcess is a running driver executable that serves a single worker.
type DriverProcess struct {
	ctx    context.Context
	cancel context.CancelFunc

	workerID string

	// The process of the driver.
	process *os.Process

	// Channels for managing termination.
	processDone chan struct{}
	stopping    chan struct{}

	// Base URL of the driver's WebDriver endpoint.
	url string

	// Scratch directory holding the driver log, if logging to disk.
	scratchDir *storage.Dir
	logDir     string
	persister  storage.FilePersister

	client *wdclient.Client

	stopOnce sync.Once
	stopErr  error

	logger *log.Logger
}

// LaunchDriver starts the driver executable configured in opts for the
// worker and waits until it accepts sessions. The ctx only bounds the
// startup; the process keeps running until Stop is called.
//
// Every failure wraps ErrDriverStartup and leaves no process behind.
func LaunchDriver(
	ctx context.Context, workerID string, opts *DriverOptions, logger *log.Logger,
) (*DriverProcess, error) {
	if opts.DriverExecutablePath == "" {
		return nil, fmt.Errorf("%w: driver executable path is not set", ErrDriverStartup)
	}

	// The driver picks its own port and reports it, so no other process can
	// take the port between choosing and binding it.
	var scratchDir storage.Dir
	args := []string{"--port=0"}
	if opts.DriverLogDir != "" {
		if err := scratchDir.Make("", "xk6-webdriver-*"); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDriverStartup, err)
		}
		args = append(args, "--log-path="+filepath.Join(scratchDir.Dir, driverLogFileName))
	}
	if opts.VerboseDriverLogging {
		args = append(args, "--verbose")
	}
	args = append(args, opts.DriverArgs...)

	// The process outlives the startup context, so it gets its own.
	procCtx, cancel := context.WithCancel(context.Background())
	p := &DriverProcess{
		ctx:         procCtx,
		cancel:      cancel,
		workerID:    workerID,
		processDone: make(chan struct{}),
		stopping:    make(chan struct{}),
		scratchDir:  &scratchDir,
		logDir:      opts.DriverLogDir,
		persister:   &storage.LocalFilePersister{},
		client: wdclient.NewClient(logger, wdclient.WithHTTPClient(&http.Client{
			Timeout: driverProbeTimeout,
		})),
		logger: logger,
	}

	stdout, err := p.execute(opts.DriverExecutablePath, args, opts.DriverEnv)
	if err != nil {
		cancel()
		_ = scratchDir.Cleanup()
		return nil, fmt.Errorf("%w: %w", ErrDriverStartup, err)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, opts.DriverStartTimeout)
	defer cancelStart()

	port, err := parseDriverPort(startCtx, stdout, p.processDone, logger)
	if err == nil {
		p.url = fmt.Sprintf("http://127.0.0.1:%d", port)
		logger.Debugf("DriverProcess:Launch", "worker:%q pid:%d url:%q", workerID, p.Pid(), p.url)
		err = p.waitReady(startCtx)
	}
	if err != nil {
		close(p.stopping)
		cancel()
		<-p.processDone
		_ = scratchDir.Cleanup()
		return nil, fmt.Errorf("%w: driver %q (pid %d) did not become ready: %w",
			ErrDriverStartup, opts.DriverExecutablePath, p.process.Pid, err)
	}

	return p, nil
}

// execute starts the driver and returns its stdout. The caller must read
// it until EOF.
func (p *DriverProcess) execute(path string, args, env []string) (io.Reader, error) {
	cmd := exec.CommandContext(p.ctx, path, args...)
	killAfterParent(cmd)

	// Browsers started by the driver inherit its stdout, so the pipe is ours
	// rather than one cmd.Wait would wait on.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	// Set up environment variables for the process
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdoutR.Close()
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", path, err)
	}

	p.process = cmd.Process
	pid := cmd.Process.Pid
	osext.Register(p.logger, pid)

	go func() {
		defer close(p.processDone)

		err := cmd.Wait()
		osext.Unregister(p.logger, pid)

		select {
		case <-p.stopping:
			p.logger.Debugf("DriverProcess:Wait", "pid %d exited: %v", pid, err)
		default:
			p.logger.Warnf("DriverProcess:Wait",
				"driver process with PID %d for worker %q unexpectedly ended: %v",
				pid, p.workerID, err)
		}
	}()

	return stdoutR, nil
}

// parseDriverPort reads the driver's stdout until the driver reports the
// port it listens on. Reading goes on in the background after that, so the
// driver never blocks on a full pipe; the rest is logged at debug level.
func parseDriverPort(ctx context.Context, r io.Reader, done <-chan struct{}, logger *log.Logger) (int, error) {
	type result struct {
		port int
		err  error
	}
	found := make(chan result, 1)

	go func() {
		if c, ok := r.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}

		var sent bool
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := sc.Text()
			logger.Debugf("DriverProcess:stdout", "%s", line)
			if sent {
				continue
			}
			m := driverStartedRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			port, err := strconv.Atoi(m[1])
			if err == nil && (port <= 0 || port > 65535) {
				err = fmt.Errorf("driver reported invalid port %q", m[1])
			}
			found <- result{port: port, err: err}
			sent = true
		}
		if !sent {
			err := sc.Err()
			if err == nil {
				err = errDriverNoPort
			}
			found <- result{err: err}
		}
	}()

	select {
	case res := <-found:
		return res.port, res.err
	case <-done:
		return 0, errDriverExited
	case <-ctx.Done():
		return 0, ctx.Err() //nolint:wrapcheck
	}
}

// waitReady polls the driver status endpoint until the driver is ready,
// the process exits, or ctx is done.
func (p *DriverProcess) waitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = driverReadyInitialWait
	b.MaxInterval = driverReadyMaxWait

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		select {
		case <-p.processDone:
			return struct{}{}, backoff.Permanent(errDriverExited)
		default:
		}
		ready, err := p.client.Status(ctx, p.url)
		if err != nil {
			return struct{}{}, err
		}
		if !ready {
			return struct{}{}, errDriverNotReady
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b))

	return err //nolint:wrapcheck
}

// Stop shuts the driver down. It asks the driver to exit, and kills it if it
// doesn't within a grace period. Stopping a process that already exited only
// releases its resources. Only the first call does any work; later calls
// return the first call's result.
func (p *DriverProcess) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *DriverProcess) stop(ctx context.Context) error {
	close(p.stopping)
	defer p.cancel()

	if p.IsRunning() {
		p.shutdown(ctx)
	}

	var errs []error
	if err := p.persistLog(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.scratchDir.Cleanup(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (p *DriverProcess) shutdown(ctx context.Context) {
	p.logger.Debugf("DriverProcess:Stop", "worker:%q pid:%d", p.workerID, p.Pid())

	sctx, cancel := context.WithTimeout(ctx, driverProbeTimeout)
	err := p.client.Shutdown(sctx, p.url)
	cancel()
	if err != nil {
		// The driver may close the connection before answering.
		p.logger.Debugf("DriverProcess:Stop", "shutdown request for pid %d: %v", p.Pid(), err)
	}

	timer := time.NewTimer(driverShutdownGrace)
	defer timer.Stop()

	select {
	case <-p.processDone:
		return
	case <-timer.C:
		p.logger.Warnf("DriverProcess:Stop",
			"driver process %d did not exit within %s, killing it", p.Pid(), driverShutdownGrace)
	case <-ctx.Done():
	}

	p.cancel()
	<-p.processDone
}

// persistLog copies the driver log to the configured log directory.
func (p *DriverProcess) persistLog(ctx context.Context) error {
	if p.logDir == "" || p.scratchDir.Dir == "" {
		return nil
	}

	src := filepath.Join(p.scratchDir.Dir, driverLogFileName)
	dst := filepath.Join(p.logDir, fmt.Sprintf("%s-%d.log", safeFileName(p.workerID), p.Pid()))
	if err := storage.PersistFile(ctx, p.persister, dst, src); err != nil {
		return fmt.Errorf("persisting driver log: %w", err)
	}

	return nil
}

// IsRunning returns true until the driver process exits.
func (p *DriverProcess) IsRunning() bool {
	select {
	case <-p.processDone:
		return false
	default:
		return true
	}
}

// Done returns a channel that is closed when the driver process exits.
func (p *DriverProcess) Done() <-chan struct{} {
	return p.processDone
}

// Pid returns the driver process ID.
func (p *DriverProcess) Pid() int {
	return p.process.Pid
}

// URL returns the base URL of the driver's WebDriver endpoint.
func (p *DriverProcess) URL() string {
	return p.url
}

// WorkerID returns the identity of the worker that owns the process.
func (p *DriverProcess) WorkerID() string {
	return p.workerID
}

func safeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
