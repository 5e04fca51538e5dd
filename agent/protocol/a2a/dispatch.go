package a2a

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/retry"
	"github.com/BaSui01/agentfabric/types"
)

// dispatchLoop hands queued messages to the pool whenever a slot frees up,
// woken by enqueues and completions and re-checking on the poll interval.
func (m *Manager) dispatchLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		m.dispatchReady()
		select {
		case <-m.stop:
			return
		case <-m.notify:
		case <-ticker.C:
		}
	}
}

func (m *Manager) dispatchReady() {
	for m.running() && m.pool.Available() > 0 {
		qm := m.queue.Pop()
		if qm == nil {
			return
		}
		if qm.isSettled() {
			continue
		}
		if err := m.pool.TryGo(context.Background(), func(context.Context) error {
			m.execute(qm)
			return nil
		}); err != nil {
			// A notification took the slot; keep the message's place.
			m.queue.Requeue(qm)
			return
		}
	}
}

// execute runs one handler attempt and decides between success, retry and
// terminal failure.
func (m *Manager) execute(qm *queuedMessage) {
	if qm.isSettled() {
		return
	}
	attempt := int(qm.attempts.Add(1))
	env := qm.env

	ctx, cancel := context.WithDeadline(context.Background(), qm.deadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "a2a.dispatch", trace.WithAttributes(
		attribute.String("a2a.message_id", env.ID),
		attribute.String("a2a.method", env.Method),
		attribute.Int("a2a.attempt", attempt),
	))
	defer span.End()

	m.events.Emit(types.Event{
		Type:      types.EventMessageDispatched,
		MessageID: env.ID,
		Method:    env.Method,
		Attempt:   attempt,
	})
	m.reportGauges()

	start := time.Now()
	var (
		result any
		err    error
	)
	if h, ok := m.handler(env.Method); ok {
		result, err = m.invoke(ctx, h, env)
	} else {
		err = types.Errorf(types.KindCapabilityNotFound, "no handler for method %s", env.Method)
	}
	latency := time.Since(start)

	if err == nil {
		m.recordDelivery(qm, true, latency)
		resp := types.NewResultResponse(env, m.config.AgentID, result)
		resp.Attempts = attempt
		resp.Route = qm.route
		m.finish(qm, outcome{resp: resp})
		return
	}

	terr := types.AsError(err).Clone()
	if terr.Source == "" {
		terr.Source = "a2a"
	}
	span.RecordError(terr)
	span.SetStatus(codes.Error, terr.Message)
	m.recordDelivery(qm, false, latency)

	if retry.ShouldRetry(qm.policy, attempt, terr) && time.Now().Before(qm.deadline) && m.running() && !qm.isSettled() {
		m.scheduleRetry(qm, attempt, terr)
		return
	}
	m.finish(qm, outcome{err: terr.WithAttempts(attempt)})
}

// scheduleRetry re-inserts qm after the backoff delay. The worker returns
// immediately; the timer does the re-insertion.
func (m *Manager) scheduleRetry(qm *queuedMessage, attempt int, cause *types.Error) {
	delay := retry.Delay(qm.policy, attempt)
	m.metrics.recordRetry()
	if m.recorder != nil {
		m.recorder.RecordRetry(qm.env.Method)
	}
	m.events.Emit(types.Event{
		Type:      types.EventMessageRetryScheduled,
		MessageID: qm.env.ID,
		Method:    qm.env.Method,
		Kind:      cause.Kind,
		Attempt:   attempt,
		Data:      map[string]any{"delay": delay.String()},
	})
	m.logger.Debug("retry scheduled",
		zap.String("message_id", qm.env.ID),
		zap.String("method", qm.env.Method),
		zap.String("kind", string(cause.Kind)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	qm.setRetryTimer(time.AfterFunc(delay, func() {
		if qm.isSettled() || !m.running() {
			return
		}
		// A fresh seq puts the retry behind newer messages of the same priority.
		m.queue.Push(qm)
		m.reportGauges()
		m.wake()
	}))
}

// invoke calls the handler, converting a panic into an internal_error.
func (m *Manager) invoke(ctx context.Context, h Handler, env *types.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked",
				zap.String("message_id", env.ID),
				zap.String("method", env.Method),
				zap.Any("panic", r))
			err = types.NewError(types.KindInternal, fmt.Sprintf("handler panicked: %v", r)).WithSource("a2a")
		}
	}()
	return h.Handle(ctx, env)
}

func (m *Manager) recordDelivery(qm *queuedMessage, success bool, latency time.Duration) {
	if m.router == nil || qm.route == nil || qm.route.Target == "" {
		return
	}
	if err := m.router.RecordDelivery(qm.route.Target, success, latency); err != nil {
		m.logger.Debug("delivery not recorded",
			zap.String("agent_id", qm.route.Target),
			zap.Error(err))
	}
}
