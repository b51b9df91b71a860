package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/xk6-webdriver/common"
	"github.com/grafana/xk6-webdriver/driverprocess"
	"github.com/grafana/xk6-webdriver/log"
	"github.com/grafana/xk6-webdriver/session"
	"github.com/grafana/xk6-webdriver/wdclient"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitBadArgs = 2
)

type probeFlags struct {
	workers  int
	driver   string
	config   string
	headless bool
	verbose  bool
	noColor  bool
}

type result struct {
	workerID string
	sess     *session.Session
	took     time.Duration
	err      error
}

func parseFlags(args []string, stderr io.Writer) (probeFlags, error) {
	var pf probeFlags

	fs := flag.NewFlagSet("driverprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&pf.workers, "workers", 1, "number of simulated workers")
	fs.StringVar(&pf.driver, "driver", "", "path of the driver executable, overrides the config")
	fs.StringVar(&pf.config, "config", "", "path of a YAML or JSON config file")
	fs.BoolVar(&pf.headless, "headless", false, "run the browsers headless")
	fs.BoolVar(&pf.verbose, "verbose", false, "log debug messages")
	fs.BoolVar(&pf.noColor, "no-color", false, "disable colored output")

	if err := fs.Parse(args); err != nil {
		return pf, err //nolint:wrapcheck
	}
	if pf.workers < 1 {
		return pf, fmt.Errorf("-workers must be at least 1, got %d", pf.workers)
	}

	return pf, nil
}

func loadOptions(pf probeFlags) (*common.DriverOptions, error) {
	opts, err := common.LoadDriverOptions(pf.config, nil)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	// flags win over the config
	o := *opts
	if pf.driver != "" {
		o.DriverExecutablePath = pf.driver
	}
	if pf.headless {
		o.HeadlessEnabled = true
	}
	if o.DriverExecutablePath == "" {
		return nil, errors.New("no driver executable, use -driver or set K6_WEBDRIVER_DRIVER_PATH")
	}

	return &o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	pf, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitBadArgs
	}
	if pf.noColor {
		color.NoColor = true
	}

	opts, err := loadOptions(pf)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitBadArgs
	}

	ll := logrus.New()
	ll.SetOutput(stderr)
	ll.SetLevel(logrus.WarnLevel)
	if pf.verbose {
		ll.SetLevel(logrus.DebugLevel)
	}
	logger := log.New(ll, nil)

	reg := driverprocess.NewRegistry(logger, driverprocess.WithLaunchRate(opts.LaunchRate))
	f := session.NewFactory(reg, wdclient.NewClient(logger), logger)

	results := openAll(ctx, f, opts, pf.workers)
	failed := report(stdout, results)
	closeAll(ctx, f, results)

	if err := reg.ReleaseAll(ctx); err != nil {
		logger.Warnf("driverprobe", "stopping drivers: %v", err)
	}

	if failed > 0 {
		return exitFailed
	}
	return exitOK
}

func openAll(ctx context.Context, f *session.Factory, opts *common.DriverOptions, workers int) []result {
	results := make([]result, workers)

	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			r := &results[i]
			r.workerID = fmt.Sprintf("probe-%d", i+1)

			start := time.Now()
			r.sess, r.err = f.OpenSession(ctx, r.workerID, opts)
			r.took = time.Since(start)

			return nil
		})
	}
	_ = g.Wait()

	return results
}

func closeAll(ctx context.Context, f *session.Factory, results []result) {
	var g errgroup.Group
	for _, r := range results {
		r := r
		g.Go(func() error {
			f.CloseSession(ctx, r.workerID, r.sess)
			return nil
		})
	}
	_ = g.Wait()
}

// report prints one line per worker and a summary, and returns the number
// of workers without a session.
func report(w io.Writer, results []result) int {
	var (
		ok   = color.New(color.FgGreen, color.Bold)
		fail = color.New(color.FgRed, color.Bold)
		dim  = color.New(color.Faint)

		failed int
	)
	for _, r := range results {
		if r.err != nil {
			failed++
			fail.Fprint(w, "FAIL ")
			fmt.Fprintf(w, "%-10s %v\n", r.workerID, r.err)
			continue
		}
		ok.Fprint(w, "OK   ")
		fmt.Fprintf(w, "%-10s pid=%d session=%s ", r.workerID, r.sess.Process().Pid(), r.sess.ID())
		dim.Fprintf(w, "(%s)\n", r.took.Round(time.Millisecond))
	}

	summary := ok
	if failed > 0 {
		summary = fail
	}
	summary.Fprintf(w, "%d/%d sessions opened\n", len(results)-failed, len(results))

	return failed
}
