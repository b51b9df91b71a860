// Package xk6webdriver registers the k6/x/webdriver module with k6.
package xk6webdriver

import (
	"go.k6.io/k6/js/modules"

	"github.com/grafana/xk6-webdriver/webdriver"
)

func init() {
	modules.Register("k6/x/webdriver", webdriver.New())
}
