// Package webdriver provides the k6/x/webdriver module: one WebDriver session
// per VU, each backed by a driver process of its own.
package webdriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/grafana/xk6-webdriver/common"
	"github.com/grafana/xk6-webdriver/driverprocess"
	"github.com/grafana/xk6-webdriver/k6ext"
	"github.com/grafana/xk6-webdriver/log"
	"github.com/grafana/xk6-webdriver/osext"
	"github.com/grafana/xk6-webdriver/otel"
	"github.com/grafana/xk6-webdriver/session"
	"github.com/grafana/xk6-webdriver/trace"
	"github.com/grafana/xk6-webdriver/wdclient"

	k6common "go.k6.io/k6/js/common"
	k6modules "go.k6.io/k6/js/modules"
	"go.k6.io/k6/event"
)

const (
	version = "0.1.0"

	// teardownTimeout bounds how long stopping every driver may take when
	// the test run exits.
	teardownTimeout = 30 * time.Second
)

type (
	// RootModule is the global module instance that will create module
	// instances for each VU. Every VU shares its driver registry.
	RootModule struct {
		initOnce sync.Once
		initErr  error

		opts     *common.DriverOptions
		logger   *log.Logger
		registry *driverprocess.Registry
		factory  *session.Factory
		tracerP  otel.TraceProvider

		// launcher replaces the driver launcher, if set.
		launcher driverprocess.Launcher
	}

	// ModuleInstance represents an instance of the JS module.
	ModuleInstance struct {
		vu   k6modules.VU
		root *RootModule
		mod  *JSModule
	}
)

var errInitContext = errors.New("webdriver sessions can't be used in the init context")

const envPrefix = "K6_WEBDRIVER_"

// moduleEnv holds the module settings that aren't driver options.
type moduleEnv struct {
	LogCategoryFilter string `env:"K6_WEBDRIVER_LOG_CATEGORY_FILTER"`
}

var (
	_ k6modules.Module   = &RootModule{}
	_ k6modules.Instance = &ModuleInstance{}
)

// New returns a pointer to a new RootModule instance.
func New() *RootModule {
	return &RootModule{}
}

// NewModuleInstance implements the k6modules.Module interface to return
// a new instance for each VU.
func (r *RootModule) NewModuleInstance(vu k6modules.VU) k6modules.Instance {
	r.initOnce.Do(func() {
		r.initErr = r.init(vu)
	})
	if r.initErr != nil {
		k6common.Throw(vu.Runtime(), r.initErr)
	}

	mi := &ModuleInstance{
		vu:   vu,
		root: r,
	}
	mi.mod = &JSModule{
		mi:      mi,
		metrics: k6ext.RegisterCustomMetrics(vu.InitEnv().Registry),
		Version: version,
	}
	mi.subscribeIterations()

	return mi
}

// init loads the driver options and sets up everything the VUs share.
func (r *RootModule) init(vu k6modules.VU) error {
	environ := scriptEnv(vu)

	var e moduleEnv
	if err := env.ParseWithOptions(&e, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("reading webdriver environment: %w", err)
	}
	var filter *regexp.Regexp
	if e.LogCategoryFilter != "" {
		var err error
		if filter, err = regexp.Compile(e.LogCategoryFilter); err != nil {
			return fmt.Errorf("compiling log category filter: %w", err)
		}
	}
	r.logger = log.New(vu.InitEnv().Logger.WithField("source", "webdriver"), filter)

	opts, err := common.LoadDriverOptions(environ[common.ConfigFileEnvVar], environ)
	if err != nil {
		return err //nolint:wrapcheck
	}
	r.opts = opts

	tcfg, err := otel.ReadConfigEnv(environ)
	if err != nil {
		return err //nolint:wrapcheck
	}
	if r.tracerP, err = otel.NewTraceProviderFromConfig(context.Background(), tcfg); err != nil {
		return fmt.Errorf("creating trace provider: %w", err)
	}

	r.registry = driverprocess.NewRegistry(r.logger, driverprocess.WithLaunchRate(opts.LaunchRate))
	fopts := []session.Option{
		session.WithTracer(trace.NewTracer(r.logger, r.tracerP, map[string]string{
			"k6.extension": "webdriver",
		})),
	}
	if r.launcher != nil {
		fopts = append(fopts, session.WithLauncher(r.launcher))
	}
	r.factory = session.NewFactory(r.registry, wdclient.NewClient(r.logger), r.logger, fopts...)

	r.subscribeExit(vu)

	r.logger.Debugf("RootModule:init", "driver:%q headless:%t launchRate:%v",
		opts.DriverExecutablePath, opts.HeadlessEnabled, opts.LaunchRate)

	return nil
}

// scriptEnv returns the K6_WEBDRIVER_* variables of the process environment,
// overridden by those k6 passes to the script, such as the ones set with
// k6 run -e.
func scriptEnv(vu k6modules.VU) map[string]string {
	environ := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, envPrefix) {
			environ[k] = v
		}
	}
	if ie := vu.InitEnv(); ie != nil && ie.TestPreInitState != nil {
		for k, v := range ie.RuntimeOptions.Env {
			if strings.HasPrefix(k, envPrefix) {
				environ[k] = v
			}
		}
	}
	return environ
}

// subscribeExit stops every driver when the test run exits.
func (r *RootModule) subscribeExit(vu k6modules.VU) {
	events := vu.Events().Global
	if events == nil {
		return
	}
	id, ch := events.Subscribe(event.Exit)
	go func() {
		for ev := range ch {
			if ev.Type == event.Exit {
				r.teardown()
				ev.Done()
				events.Unsubscribe(id)
				return
			}
			ev.Done()
		}
	}()
}

func (r *RootModule) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	defer func() {
		if err := r.tracerP.Shutdown(ctx); err != nil {
			r.logger.Warnf("RootModule:teardown", "shutting down tracing: %v", err)
		}
	}()

	if r.opts.DevMode {
		r.logger.Infof("RootModule:teardown", "dev mode, leaving %d driver(s) running", r.registry.Len())
		return
	}

	if err := r.registry.ReleaseAll(ctx); err != nil {
		r.logger.Errorf("RootModule:teardown", "stopping drivers: %v", err)
	}
	// drivers that weren't registered, or ignored the shutdown
	osext.ForceProcessShutdown()
}

// subscribeIterations closes the VU session at the start of every iteration
// if sessions are recreated on each iteration.
func (mi *ModuleInstance) subscribeIterations() {
	if !mi.root.opts.RecreateOnIteration {
		return
	}
	events := mi.vu.Events().Local
	if events == nil {
		return
	}
	_, ch := events.Subscribe(event.IterStart)
	go func() {
		for ev := range ch {
			mi.mod.closeCurrent(mi.vu.Context())
			ev.Done()
		}
	}()
}

// workerID returns the identity of the VU. It's only known once the VU
// runs iterations.
func (mi *ModuleInstance) workerID() (string, error) {
	state := mi.vu.State()
	if state == nil {
		return "", errInitContext
	}
	return WorkerID(state.VUIDGlobal), nil
}

// WorkerID returns the worker identity of the VU with the global ID.
func WorkerID(vuID uint64) string {
	return fmt.Sprintf("vu-%d", vuID)
}

// Exports returns the exports of the JS module so that it can be used in test
// scripts.
func (mi *ModuleInstance) Exports() k6modules.Exports {
	return k6modules.Exports{Default: mi.mod}
}
