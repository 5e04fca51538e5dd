package a2a

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/events"
	"github.com/BaSui01/agentfabric/internal/pool"
	"github.com/BaSui01/agentfabric/types"
)

// State is the manager lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateShuttingDown  State = "shutting_down"
	StateShutdown      State = "shutdown"
)

// ErrNotRunning is returned when work arrives outside the running state.
var ErrNotRunning = errors.New("a2a: manager is not running")

// Router resolves delivery routes and receives delivery outcomes.
// agent/router.Router satisfies it.
type Router interface {
	RouteMessage(ctx context.Context, env *types.Envelope) (*types.Route, error)
	RecordDelivery(agentID string, success bool, latency time.Duration) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithRouter resolves a route for every message before it is queued.
func WithRouter(r Router) Option {
	return func(m *Manager) { m.router = r }
}

// WithEventSink publishes manager events to sink.
func WithEventSink(sink types.EventSink) Option {
	return func(m *Manager) { m.events.Sink = sink }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(m *Manager) { m.recorder = rec }
}

// WithClock overrides the time source used for security checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the send/receive lifecycle for one local agent identity.
type Manager struct {
	config Config
	logger *zap.Logger
	events events.Emitter

	stateMu sync.RWMutex
	state   State

	handlersMu     sync.RWMutex
	handlers       map[string]Handler
	defaultMethods []string

	queue *priorityQueue
	pool  *pool.GoroutinePool
	guard *guard

	inflightMu sync.Mutex
	inflight   map[string]*queuedMessage

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	router   Router
	recorder Recorder
	metrics  *managerMetrics
	now      func() time.Time
}

// New creates a manager in the uninitialized state.
func New(config Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	m := &Manager{
		config:   config,
		logger:   logger.With(zap.String("component", "a2a_manager"), zap.String("agent_id", config.AgentID)),
		events:   events.Emitter{Source: "a2a"},
		state:    StateUninitialized,
		handlers: make(map[string]Handler),
		queue:    newPriorityQueue(),
		inflight: make(map[string]*queuedMessage),
		notify:   make(chan struct{}, 1),
		metrics:  newManagerMetrics(config.MetricsSamples),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.guard = newGuard(config.Security, m.now)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = s
	m.stateMu.Unlock()

	m.logger.Info("state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	m.events.Emit(types.Event{
		Type: types.EventManagerStateChanged,
		Data: map[string]any{"from": string(prev), "to": string(s)},
	})
}

// transition moves from one state to another, failing if the current
// state is not from.
func (m *Manager) transition(from, to State) bool {
	m.stateMu.Lock()
	if m.state != from {
		m.stateMu.Unlock()
		return false
	}
	m.state = to
	m.stateMu.Unlock()

	m.logger.Info("state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	m.events.Emit(types.Event{
		Type: types.EventManagerStateChanged,
		Data: map[string]any{"from": string(from), "to": string(to)},
	})
	return true
}

// Initialize validates the configuration, installs the default handlers and
// starts the dispatch loop.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.transition(StateUninitialized, StateInitializing) {
		return types.Errorf(types.KindProtocol, "cannot initialize manager in state %s", m.State()).
			WithSource("a2a")
	}
	if err := m.config.Validate(); err != nil {
		m.setState(StateUninitialized)
		return err
	}

	m.registerDefaults()
	m.pool = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: m.config.MaxConcurrentMessages,
		PanicHandler: func(r any) {
			m.logger.Error("dispatch task panicked", zap.Any("panic", r))
		},
		OnDone: func(error) { m.wake() },
	})
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.dispatchLoop()

	m.setState(StateRunning)
	m.logger.Info("manager initialized",
		zap.Int("max_concurrent", m.config.MaxConcurrentMessages),
		zap.Strings("methods", m.HandlerMethods()))
	return nil
}

// Shutdown stops accepting work, waits up to the drain timeout for in-flight
// handlers, then rejects everything still pending with a protocol_error and
// releases the handler table.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.transition(StateRunning, StateShuttingDown) {
		if s := m.State(); s == StateShutdown || s == StateUninitialized {
			return nil
		}
		return types.Errorf(types.KindProtocol, "cannot shut down manager in state %s", m.State()).
			WithSource("a2a")
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.config.DrainTimeout)
	defer cancel()

	drained := m.waitRunning(drainCtx)
	close(m.stop)
	<-m.done

	rejected := 0
	shutdownErr := types.NewError(types.KindProtocol, "manager shutting down").WithSource("a2a")
	for _, qm := range m.queue.Drain() {
		if m.finish(qm, outcome{err: shutdownErr.Clone().WithAttempts(int(qm.attempts.Load()))}) {
			rejected++
		}
	}
	for _, qm := range m.inflightSnapshot() {
		if m.finish(qm, outcome{err: shutdownErr.Clone().WithAttempts(int(qm.attempts.Load()))}) {
			rejected++
		}
	}

	closeErr := m.pool.Close(drainCtx)

	m.handlersMu.Lock()
	m.handlers = make(map[string]Handler)
	m.defaultMethods = nil
	m.handlersMu.Unlock()

	m.setState(StateShutdown)
	m.logger.Info("manager shut down", zap.Bool("drained", drained), zap.Int("rejected", rejected))
	if closeErr != nil && !errors.Is(closeErr, context.DeadlineExceeded) {
		return closeErr
	}
	return nil
}

// waitRunning waits until no handler is executing or ctx is done.
func (m *Manager) waitRunning(ctx context.Context) bool {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		if m.pool.Stats().Active == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// QueueLength returns the number of messages waiting for dispatch.
func (m *Manager) QueueLength() int {
	return m.queue.Len()
}

// GetMetrics returns a snapshot of manager statistics.
func (m *Manager) GetMetrics() Metrics {
	out := m.metrics.snapshot()
	out.State = m.State()
	out.QueueLength = m.queue.Len()
	out.MaxConcurrency = m.config.MaxConcurrentMessages
	if m.pool != nil {
		out.CurrentConcurrency = m.pool.Stats().Active
	}
	return out
}

func (m *Manager) running() bool {
	return m.State() == StateRunning
}

func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) trackInflight(qm *queuedMessage) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, dup := m.inflight[qm.env.ID]; dup {
		return false
	}
	m.inflight[qm.env.ID] = qm
	return true
}

func (m *Manager) untrackInflight(qm *queuedMessage) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if cur, ok := m.inflight[qm.env.ID]; ok && cur == qm {
		delete(m.inflight, qm.env.ID)
	}
}

func (m *Manager) inflightSnapshot() []*queuedMessage {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	out := make([]*queuedMessage, 0, len(m.inflight))
	for _, qm := range m.inflight {
		out = append(out, qm)
	}
	return out
}

func (m *Manager) reportGauges() {
	if m.recorder == nil {
		return
	}
	m.recorder.SetQueueDepth(m.queue.Len())
	if m.pool != nil {
		m.recorder.SetInFlight(m.pool.Stats().Active)
	}
}
