package webdriver

import (
	"context"
	"sync"

	"github.com/grafana/xk6-webdriver/k6ext"
	"github.com/grafana/xk6-webdriver/session"
)

// JSModule exposes the properties available to the JS script.
type JSModule struct {
	Version string `js:"version"`

	mi      *ModuleInstance
	metrics *k6ext.CustomMetrics

	mu      sync.Mutex
	current *session.Session
}

// SessionInfo describes an open session to scripts.
type SessionInfo struct {
	ID             string   `js:"id"`
	WorkerID       string   `js:"workerId"`
	Pid            int      `js:"pid"`
	URL            string   `js:"url"`
	ProcessStarted bool     `js:"processStarted"`
	Capabilities   []string `js:"capabilities"`
}

func newSessionInfo(s *session.Session) *SessionInfo {
	return &SessionInfo{
		ID:             s.ID(),
		WorkerID:       s.WorkerID(),
		Pid:            s.Process().Pid(),
		URL:            s.Process().URL(),
		ProcessStarted: s.ProcessStarted(),
		Capabilities:   s.Capabilities().Names(),
	}
}

// OpenSession returns the VU session, opening one if the VU has none.
// It returns null if no session could be opened; the script may try again
// in a later iteration.
func (m *JSModule) OpenSession() (any, error) {
	workerID, err := m.mi.workerID()
	if err != nil {
		return nil, err
	}
	ctx := m.mi.vu.Context()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.Process().IsRunning() {
			return newSessionInfo(m.current), nil
		}
		m.closeLocked(ctx, workerID)
	}

	s, err := m.mi.root.factory.OpenSession(ctx, workerID, m.mi.root.opts)
	if err != nil {
		m.mi.root.logger.Warnf("JSModule:OpenSession", "%v", err)
		k6ext.PushSample(ctx, m.mi.vu.State(), m.metrics.SessionOpenFailures, 1)
		return nil, nil //nolint:nilnil
	}
	m.current = s

	if s.ProcessStarted() {
		state := m.mi.vu.State()
		k6ext.PushSample(ctx, state, m.metrics.ProcessStarts, 1)
		k6ext.PushSample(ctx, state, m.metrics.ProcessStartDuration, k6ext.DurationValue(s.LaunchDuration()))
	}

	return newSessionInfo(s), nil
}

// CloseSession quits the VU session and stops its driver process.
func (m *JSModule) CloseSession() error {
	workerID, err := m.mi.workerID()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked(m.mi.vu.Context(), workerID)

	return nil
}

// Session returns the open VU session, or null.
func (m *JSModule) Session() any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	return newSessionInfo(m.current)
}

// WorkerId returns the worker identity of the VU.
func (m *JSModule) WorkerId() (string, error) { //nolint:revive,stylecheck
	return m.mi.workerID()
}

// closeCurrent closes the VU session, if the VU runs.
func (m *JSModule) closeCurrent(ctx context.Context) {
	workerID, err := m.mi.workerID()
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked(ctx, workerID)
}

func (m *JSModule) closeLocked(ctx context.Context, workerID string) {
	m.mi.root.factory.CloseSession(ctx, workerID, m.current)
	m.current = nil
}
