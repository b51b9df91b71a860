package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-webdriver/log"
	"github.com/grafana/xk6-webdriver/osext"
	"github.com/grafana/xk6-webdriver/wdclient"
)

func TestLaunchDriver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := LaunchDriver(ctx, "vu-1", fakeDriverOptions(t, "serve"), log.NullLogger())
	require.NoError(t, err)

	assert.True(t, p.IsRunning())
	assert.Equal(t, "vu-1", p.WorkerID())
	assert.True(t, strings.HasPrefix(p.URL(), "http://127.0.0.1:"), p.URL())
	assert.NotEqual(t, "http://127.0.0.1:0", p.URL())
	assert.Contains(t, osext.Registered(), p.Pid())

	ready, err := wdclient.NewClient(log.NullLogger()).Status(ctx, p.URL())
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())
	assert.NotContains(t, osext.Registered(), p.Pid())

	// stopping again is a no-op
	assert.NoError(t, p.Stop(ctx))
}

func TestLaunchDriverFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    func(t *testing.T) *DriverOptions
		wantErr string
	}{
		{
			name:    "no_path",
			opts:    func(*testing.T) *DriverOptions { return NewDriverOptions() },
			wantErr: "driver executable path is not set",
		},
		{
			name: "missing_executable",
			opts: func(t *testing.T) *DriverOptions {
				t.Helper()
				opts := NewDriverOptions()
				opts.DriverExecutablePath = filepath.Join(t.TempDir(), "chromedriver")
				return opts
			},
			wantErr: "file does not exist",
		},
		{
			name: "exits_early",
			opts: func(t *testing.T) *DriverOptions {
				t.Helper()
				return fakeDriverOptions(t, "exit")
			},
			wantErr: "did not become ready",
		},
		{
			name: "never_ready",
			opts: func(t *testing.T) *DriverOptions {
				t.Helper()
				opts := fakeDriverOptions(t, "hang")
				opts.DriverStartTimeout = 300 * time.Millisecond
				return opts
			},
			wantErr: "did not become ready",
		},
		{
			name: "port_never_reported",
			opts: func(t *testing.T) *DriverOptions {
				t.Helper()
				opts := fakeDriverOptions(t, "silent")
				opts.DriverStartTimeout = 300 * time.Millisecond
				return opts
			},
			wantErr: "did not become ready",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := LaunchDriver(context.Background(), "vu-1", tt.opts(t), log.NullLogger())
			require.ErrorIs(t, err, ErrDriverStartup)
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Nil(t, p)
		})
	}
}

func TestDriverProcessStopAfterExternalExit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := LaunchDriver(ctx, "vu-2", fakeDriverOptions(t, "serve"), log.NullLogger())
	require.NoError(t, err)

	require.NoError(t, p.process.Kill())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("driver process did not exit")
	}

	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Stop(ctx))
}

func TestDriverProcessStopKillsOnCanceledContext(t *testing.T) {
	t.Parallel()

	p, err := LaunchDriver(context.Background(), "vu-3", fakeDriverOptions(t, "serve"), log.NullLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())
}

func TestDriverProcessPersistsLog(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	opts := fakeDriverOptions(t, "serve")
	opts.DriverLogDir = logDir
	opts.VerboseDriverLogging = true
	opts.DriverArgs = []string{"--allowed-ips=127.0.0.1"}

	ctx := context.Background()
	p, err := LaunchDriver(ctx, "scenario 1/vu-4", opts, log.NullLogger())
	require.NoError(t, err)
	scratch := p.scratchDir.Dir
	require.DirExists(t, scratch)

	require.NoError(t, p.Stop(ctx))

	data, err := os.ReadFile(filepath.Join(logDir, fmt.Sprintf("scenario_1_vu-4-%d.log", p.Pid())))
	require.NoError(t, err)
	assert.Contains(t, string(data), "--verbose")
	assert.Contains(t, string(data), "--allowed-ips=127.0.0.1")
	assert.NoDirExists(t, scratch)
}

func TestLaunchDriversGetDistinctPorts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	urls := make(map[string]bool)
	for _, id := range []string{"vu-1", "vu-2", "vu-3"} {
		p, err := LaunchDriver(ctx, id, fakeDriverOptions(t, "serve"), log.NullLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Stop(context.Background()) })

		assert.False(t, urls[p.URL()], "url %q used twice", p.URL())
		urls[p.URL()] = true
	}
}

func TestParseDriverPort(t *testing.T) {
	t.Parallel()

	started := []string{
		"Starting ChromeDriver 131.0.6778.85 on port 0",
		"Only local connections are allowed.",
		"ChromeDriver was started successfully on port 41235.",
	}

	tests := []struct {
		name      string
		stdout    io.Reader
		cmdDone   bool
		ctxCancel bool
		wantPort  int
		wantErr   error
		errText   string
	}{
		{
			name:     "ok",
			stdout:   strings.NewReader(strings.Join(started, "\n") + "\n"),
			wantPort: 41235,
		},
		{
			name:     "ok_with_output_after",
			stdout:   strings.NewReader(strings.Join(append(started, "[1.234][WARNING]: something"), "\n")),
			wantPort: 41235,
		},
		{
			name:    "no_port_line",
			stdout:  strings.NewReader(started[0] + "\n" + started[1] + "\n"),
			wantErr: errDriverNoPort,
		},
		{
			name:    "invalid_port",
			stdout:  strings.NewReader("ChromeDriver was started successfully on port 0.\n"),
			errText: "invalid port",
		},
		{
			name: "read_error",
			stdout: io.MultiReader(
				strings.NewReader(started[0]+"\n"),
				iotest.ErrReader(errors.New("broken pipe")),
			),
			errText: "broken pipe",
		},
		{
			name:    "process_ended",
			cmdDone: true,
			wantErr: errDriverExited,
		},
		{
			name:      "ctx_canceled",
			ctxCancel: true,
			wantErr:   context.Canceled,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stdout := tt.stdout
			if stdout == nil {
				// output that never comes
				pr, pw := io.Pipe()
				t.Cleanup(func() { _ = pw.Close() })
				stdout = pr
			}

			ctx, cancel := context.WithCancel(context.Background())
			t.Cleanup(cancel)
			done := make(chan struct{})

			type result struct {
				port int
				err  error
			}
			res := make(chan result, 1)
			go func() {
				port, err := parseDriverPort(ctx, stdout, done, log.NullLogger())
				res <- result{port, err}
			}()

			if tt.cmdDone {
				close(done)
			}
			if tt.ctxCancel {
				cancel()
			}

			select {
			case r := <-res:
				switch {
				case tt.wantErr != nil:
					require.ErrorIs(t, r.err, tt.wantErr)
				case tt.errText != "":
					require.ErrorContains(t, r.err, tt.errText)
				default:
					require.NoError(t, r.err)
					assert.Equal(t, tt.wantPort, r.port)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("parsing the driver port did not return")
			}
		})
	}
}

func TestSafeFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "vu-1", safeFileName("vu-1"))
	assert.Equal(t, "Thread_Group_1-1", safeFileName("Thread Group 1-1"))
	assert.Equal(t, "a_b_c", safeFileName("a/b\\c"))
}
