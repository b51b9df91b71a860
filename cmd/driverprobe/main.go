// Command driverprobe opens a WebDriver session for each of a number of
// simulated workers at once, to check that a machine can run them.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/grafana/xk6-webdriver/osext"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	osext.ForceProcessShutdown()
	os.Exit(code)
}
