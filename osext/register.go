// Package osext keeps track of every driver process the extension starts so
// that they can be killed if the extension has to shut down abruptly.
package osext

import (
	"os"
	"sync"

	"github.com/grafana/xk6-webdriver/log"
)

var (
	processRegister   = map[int]struct{}{} //nolint:gochecknoglobals
	processRegisterMu = sync.Mutex{}       //nolint:gochecknoglobals
)

// Register records pid as a process started by the extension.
func Register(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("Process:Register", "registered process pid %d", pid)

	processRegister[pid] = struct{}{}
}

// Unregister forgets pid. It should be called once the process has exited.
func Unregister(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("Process:Unregister", "unregistered process pid %d", pid)

	delete(processRegister, pid)
}

// Registered returns the pids of the processes that are still registered.
func Registered() []int {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	pids := make([]int, 0, len(processRegister))
	for pid := range processRegister {
		pids = append(pids, pid)
	}
	return pids
}

// ForceProcessShutdown kills every registered process. It should be called
// when the extension is shutting down due to an internal error (and
// therefore a panic) or an aborted test run.
func ForceProcessShutdown() {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	for pid := range processRegister {
		Kill(pid)
		delete(processRegister, pid)
	}
}

// Kill will look for and kill the process with the given pid. It is a
// variable so that tests can replace it and avoid killing real processes.
var Kill = func(pid int) { //nolint:gochecknoglobals
	p, err := os.FindProcess(pid)
	if err != nil {
		// optimistically continue and don't kill the process
		return
	}
	// no need to check the error since we're already dying.
	_ = p.Kill()
	_ = p.Release()
}
