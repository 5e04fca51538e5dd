package a2a

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/retry"
	"github.com/BaSui01/agentfabric/types"
)

var tracer = otel.Tracer("agentfabric/a2a")

// SendMessage queues env and waits for its terminal outcome: a handler
// result, a non-retryable or exhausted failure, the message timeout, or
// cancellation of ctx. Failures are returned as *types.Error with the
// number of handler invocations in Attempts.
func (m *Manager) SendMessage(ctx context.Context, env *types.Envelope) (*types.Response, error) {
	ctx, span := tracer.Start(ctx, "a2a.send", trace.WithAttributes(envelopeAttrs(env)...))
	defer span.End()

	qm, terr := m.admit(ctx, env)
	if terr != nil {
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Message)
		return nil, terr
	}

	select {
	case o := <-qm.result:
		return m.deliver(span, o)
	case <-ctx.Done():
	}

	// The caller gave up; settle unless the outcome raced in.
	cerr := types.AsError(ctx.Err()).Clone().WithSource("a2a")
	cerr.Message = fmt.Sprintf("caller stopped waiting for message %s: %s", qm.env.ID, cerr.Message)
	m.queue.Remove(qm)
	m.finish(qm, outcome{err: cerr.WithAttempts(int(qm.attempts.Load()))})
	return m.deliver(span, <-qm.result)
}

func (m *Manager) deliver(span trace.Span, o outcome) (*types.Response, error) {
	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Message)
		return nil, o.err
	}
	span.SetAttributes(attribute.Int("a2a.attempts", o.resp.Attempts))
	return o.resp, nil
}

// admit runs every pre-queue check and enqueues the message.
func (m *Manager) admit(ctx context.Context, env *types.Envelope) (*queuedMessage, *types.Error) {
	if !m.running() {
		return nil, m.reject(env, types.Errorf(types.KindProtocol, "manager is %s", m.State()).
			WithCause(ErrNotRunning).WithSource("a2a"))
	}
	if terr := validateEnvelope(env); terr != nil {
		return nil, m.reject(env, terr)
	}
	if env.ID == "" {
		return nil, m.reject(env, types.NewError(types.KindProtocol, "invalid envelope: id is required").
			WithSource("a2a"))
	}
	if terr := m.guard.check(env); terr != nil {
		return nil, m.reject(env, terr)
	}

	var override *types.RetryPolicy
	timeout := m.config.DefaultTimeout
	if env.Context != nil {
		override = env.Context.RetryPolicy
		if t := env.Context.Timeout(); t > 0 {
			timeout = t
		}
	}
	policy := retry.Normalize(override, m.config.RetryPolicy)
	qm := newQueuedMessage(env.Clone(), policy, timeout, time.Now())

	if m.router != nil {
		route, err := m.router.RouteMessage(ctx, env)
		if err != nil {
			return nil, m.reject(env, types.AsError(err))
		}
		qm.route = route
	}

	if !m.trackInflight(qm) {
		return nil, m.reject(env, types.Errorf(types.KindProtocol, "message %s is already in flight", env.ID).
			WithSource("a2a"))
	}

	qm.setTimeoutTimer(time.AfterFunc(timeout, func() { m.expire(qm, timeout) }))
	m.metrics.recordSent()
	m.queue.Push(qm)
	m.events.Emit(types.Event{
		Type:      types.EventMessageEnqueued,
		MessageID: env.ID,
		Method:    env.Method,
		Data:      map[string]any{"priority": string(qm.priority), "queueLength": m.queue.Len()},
	})
	m.logger.Debug("message enqueued",
		zap.String("message_id", env.ID),
		zap.String("method", env.Method),
		zap.String("priority", string(qm.priority)))
	m.reportGauges()
	m.wake()
	return qm, nil
}

// SendNotification validates env and runs its handler without queuing,
// correlation or retry. It returns once the handler has been started.
func (m *Manager) SendNotification(ctx context.Context, env *types.Envelope) error {
	ctx, span := tracer.Start(ctx, "a2a.notify", trace.WithAttributes(envelopeAttrs(env)...))
	defer span.End()

	if !m.running() {
		return m.reject(env, types.Errorf(types.KindProtocol, "manager is %s", m.State()).
			WithCause(ErrNotRunning).WithSource("a2a"))
	}
	if terr := validateEnvelope(env); terr != nil {
		return m.reject(env, terr)
	}
	if terr := m.guard.check(env); terr != nil {
		return m.reject(env, terr)
	}
	h, ok := m.handler(env.Method)
	if !ok {
		return m.reject(env, types.Errorf(types.KindCapabilityNotFound, "no handler for method %s", env.Method).
			WithSource("a2a"))
	}

	m.metrics.recordNotification()
	env = env.Clone()
	handlerCtx := context.WithoutCancel(ctx)
	err := m.pool.Go(ctx, func(context.Context) error {
		hctx, cancel := context.WithTimeout(handlerCtx, m.config.DefaultTimeout)
		defer cancel()
		if _, err := m.invoke(hctx, h, env); err != nil {
			m.logger.Warn("notification handler failed",
				zap.String("method", env.Method),
				zap.String("from", env.From),
				zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		return m.reject(env, types.AsError(err).Clone().WithSource("a2a"))
	}
	return nil
}

// reject records a message refused before it reached the queue.
func (m *Manager) reject(env *types.Envelope, terr *types.Error) *types.Error {
	m.metrics.recordFailure(terr.Kind, 0, false)
	if m.recorder != nil {
		m.recorder.RecordRejection(terr.Kind)
	}
	ev := types.Event{Type: types.EventMessageFailed, Kind: terr.Kind, Data: map[string]any{"stage": "admission"}}
	if env != nil {
		ev.MessageID, ev.Method = env.ID, env.Method
	}
	m.events.Emit(ev)
	m.logger.Debug("message rejected", zap.String("kind", string(terr.Kind)), zap.String("reason", terr.Message))
	return terr
}

// finish settles qm once and records the outcome. It reports whether this
// call delivered the outcome.
func (m *Manager) finish(qm *queuedMessage, o outcome) bool {
	if !qm.settle(o) {
		return false
	}
	m.untrackInflight(qm)
	elapsed := time.Since(qm.enqueuedAt)
	env := qm.env

	if o.err != nil {
		m.metrics.recordFailure(o.err.Kind, elapsed, true)
		if m.recorder != nil {
			m.recorder.RecordMessage(env.Method, "failure", elapsed)
		}
		m.events.Emit(types.Event{
			Type:      types.EventMessageFailed,
			MessageID: env.ID,
			Method:    env.Method,
			Kind:      o.err.Kind,
			Attempt:   o.err.Attempts,
		})
		m.logger.Debug("message failed",
			zap.String("message_id", env.ID),
			zap.String("method", env.Method),
			zap.String("kind", string(o.err.Kind)),
			zap.Int("attempt", o.err.Attempts))
	} else {
		m.metrics.recordSuccess(elapsed)
		if m.recorder != nil {
			m.recorder.RecordMessage(env.Method, "success", elapsed)
		}
		m.events.Emit(types.Event{
			Type:      types.EventMessageSucceeded,
			MessageID: env.ID,
			Method:    env.Method,
			Attempt:   o.resp.Attempts,
		})
	}
	m.reportGauges()
	return true
}

// expire fires when the per-message timeout elapses.
func (m *Manager) expire(qm *queuedMessage, timeout time.Duration) {
	m.queue.Remove(qm)
	terr := types.Errorf(types.KindTimeout, "message %s timed out after %s", qm.env.ID, timeout).
		WithSource("a2a").
		WithAttempts(int(qm.attempts.Load()))
	if m.finish(qm, outcome{err: terr}) {
		m.logger.Warn("message timed out",
			zap.String("message_id", qm.env.ID),
			zap.String("method", qm.env.Method),
			zap.Duration("timeout", timeout))
	}
}

func envelopeAttrs(env *types.Envelope) []attribute.KeyValue {
	if env == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("a2a.message_id", env.ID),
		attribute.String("a2a.method", env.Method),
		attribute.String("a2a.from", env.From),
		attribute.String("a2a.to", env.To.String()),
		attribute.String("a2a.priority", string(env.EffectivePriority())),
	}
}
