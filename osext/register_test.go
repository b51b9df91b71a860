package osext

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grafana/xk6-webdriver/log"
)

// The register is package state, so these tests do not run in parallel.

func TestForceProcessShutdown(t *testing.T) {
	var (
		mu     sync.Mutex
		killed []int
	)
	origKill := Kill
	Kill = func(pid int) {
		mu.Lock()
		defer mu.Unlock()
		killed = append(killed, pid)
	}
	t.Cleanup(func() { Kill = origKill })

	logger := log.NullLogger()
	Register(logger, 101)
	Register(logger, 102)
	Register(logger, 103)
	Unregister(logger, 102)

	ForceProcessShutdown()

	sort.Ints(killed)
	assert.Equal(t, []int{101, 103}, killed)
	assert.Empty(t, Registered())

	// nothing left to kill
	ForceProcessShutdown()
	assert.Len(t, killed, 2)
}

func TestRegisterIsIdempotent(t *testing.T) {
	logger := log.NullLogger()
	Register(logger, 201)
	Register(logger, 201)
	t.Cleanup(func() { Unregister(logger, 201) })

	assert.Equal(t, []int{201}, Registered())
}
