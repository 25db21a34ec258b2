package connector

import (
	"sync"

	"github.com/you/streambridge/internal/backoff"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// Manager owns connector lifecycles: it runs each session, routes failures
// through the backoff controller and cancels pending retries on shutdown.
type Manager struct {
	log     logx.Logger
	backoff *backoff.Controller

	mu         sync.Mutex
	connectors []Connector
	stopped    bool
	wg         sync.WaitGroup
}

// NewManager builds a manager over the given backoff controller.
func NewManager(log logx.Logger, ctrl *backoff.Controller) *Manager {
	return &Manager{log: log, backoff: ctrl}
}

// Add registers a connector; Start launches the registered set.
func (m *Manager) Add(c Connector) {
	m.mu.Lock()
	m.connectors = append(m.connectors, c)
	m.mu.Unlock()
}

// Start launches one session loop per connector.
func (m *Manager) Start() {
	m.mu.Lock()
	conns := append([]Connector(nil), m.connectors...)
	m.mu.Unlock()
	for _, c := range conns {
		m.launch(c)
	}
}

// launch starts one session goroutine. The stopped check and wg.Add happen
// under the same lock so a reconnect callback racing Stop can never add to a
// group already being waited on.
func (m *Manager) launch(c Connector) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		err := c.Connect()
		if err == nil || m.isStopped() {
			return
		}
		// HandleConnectionError skips scheduling for fatal auth errors.
		m.backoff.HandleConnectionError(c.Name(), err,
			func() { m.launch(c) },
			nil,
		)
	}()
}

// OnStateChange resets the retry budget when a connection reaches Ready.
// Wire it to the connection-state bus topic.
func (m *Manager) OnStateChange(ev core.Event) {
	if ev.Type == core.EventConnection && ev.State == core.StateReady {
		m.backoff.Reset(ev.User.ID)
	}
}

// Statuses snapshots every registered connection.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	conns := append([]Connector(nil), m.connectors...)
	m.mu.Unlock()
	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		st := c.Status()
		st.Retries = m.backoff.Attempts(c.Name())
		out = append(out, st)
	}
	return out
}

// Stop disconnects everything, cancels pending retries and waits for the
// session loops to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	conns := append([]Connector(nil), m.connectors...)
	m.mu.Unlock()

	for _, c := range conns {
		m.backoff.Cancel(c.Name())
		c.Disconnect("shutdown")
	}
	m.wg.Wait()
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
