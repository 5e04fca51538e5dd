package a2a

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentfabric/types"
)

func testConfig() Config {
	cfg := DefaultConfig("local")
	cfg.PollInterval = 2 * time.Millisecond
	cfg.DrainTimeout = 100 * time.Millisecond
	cfg.RetryPolicy = types.RetryPolicy{
		MaxAttempts:     3,
		BackoffStrategy: types.BackoffFixed,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
	}
	return cfg
}

func newTestManager(t *testing.T, mutate func(*Config), opts ...Option) *Manager {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func request(method string) *types.Envelope {
	return types.NewEnvelope("caller", types.To("local"), method, map[string]any{"k": "v"})
}

func sendAsync(m *Manager, env *types.Envelope) <-chan error {
	ch := make(chan error, 1)
	go func() {
		_, err := m.SendMessage(context.Background(), env)
		ch <- err
	}()
	return ch
}

func TestManager_Lifecycle(t *testing.T) {
	m := New(testConfig(), zaptest.NewLogger(t))
	assert.Equal(t, StateUninitialized, m.State())

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, []string{MethodAgentInfo, MethodEcho, MethodPing}, m.HandlerMethods())

	err := m.Initialize(context.Background())
	assert.True(t, types.IsKind(err, types.KindProtocol))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateShutdown, m.State())
	assert.Empty(t, m.HandlerMethods())
	assert.NoError(t, m.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestManager_InitializeValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing agent id", func(c *Config) { c.AgentID = "" }},
		{"no transports", func(c *Config) { c.Transports = nil }},
		{"unknown default transport", func(c *Config) { c.DefaultTransport = "grpc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			m := New(cfg, zaptest.NewLogger(t))
			err := m.Initialize(context.Background())
			require.Error(t, err)
			assert.True(t, types.IsKind(err, types.KindProtocol))
			assert.Equal(t, StateUninitialized, m.State())
		})
	}
}

func TestManager_DefaultHandlers(t *testing.T) {
	m := newTestManager(t, nil)

	resp, err := m.SendMessage(context.Background(), request(MethodPing))
	require.NoError(t, err)
	result := resp.Result.(map[string]any)
	assert.Equal(t, true, result["pong"])
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, "local", resp.From)
	assert.Equal(t, "caller", resp.To)

	resp, err = m.SendMessage(context.Background(), request(MethodEcho))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, resp.Result)

	resp, err = m.SendMessage(context.Background(), request(MethodAgentInfo))
	require.NoError(t, err)
	info := resp.Result.(map[string]any)
	assert.Equal(t, "local", info["agentId"])
	assert.Equal(t, string(StateRunning), info["state"])
}

func TestManager_CustomHandlerKeptOverDefault(t *testing.T) {
	m := New(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, m.RegisterMessageHandler(MethodPing, HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		return "custom", nil
	})))
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	resp, err := m.SendMessage(context.Background(), request(MethodPing))
	require.NoError(t, err)
	assert.Equal(t, "custom", resp.Result)
}

func TestManager_RegisterHandler(t *testing.T) {
	m := newTestManager(t, nil)
	h := HandlerFunc(func(context.Context, *types.Envelope) (any, error) { return nil, nil })

	require.NoError(t, m.RegisterMessageHandler("task.run", h))
	assert.ErrorIs(t, m.RegisterMessageHandler("task.run", h), ErrHandlerExists)
	assert.True(t, m.UnregisterMessageHandler("task.run"))
	assert.False(t, m.UnregisterMessageHandler("task.run"))
	assert.Error(t, m.RegisterMessageHandler("", h))
}

func TestManager_RetryThenSucceed(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.RetryPolicy.MaxAttempts = 4 })

	var calls atomic.Int32
	const failures = 2
	require.NoError(t, m.RegisterMessageHandler("flaky", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		if calls.Add(1) <= failures {
			return nil, types.NewError(types.KindAgentUnavailable, "try again")
		}
		return "ok", nil
	})))

	resp, err := m.SendMessage(context.Background(), request("flaky"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, int32(failures+1), calls.Load())
	assert.Equal(t, failures+1, resp.Attempts)
	assert.Equal(t, int64(failures), m.GetMetrics().Retries)
}

func TestManager_RetryExhaustion(t *testing.T) {
	m := newTestManager(t, nil)

	var calls atomic.Int32
	require.NoError(t, m.RegisterMessageHandler("down", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		calls.Add(1)
		return nil, types.NewError(types.KindResourceExhausted, "busy")
	})))

	_, err := m.SendMessage(context.Background(), request("down"))
	require.Error(t, err)
	terr := types.AsError(err)
	assert.Equal(t, types.KindResourceExhausted, terr.Kind)
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestManager_PerMessageRetryPolicy(t *testing.T) {
	m := newTestManager(t, nil)

	var calls atomic.Int32
	require.NoError(t, m.RegisterMessageHandler("down", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		calls.Add(1)
		return nil, types.NewError(types.KindTimeout, "slow")
	})))

	env := request("down")
	env.Context = &types.MessageContext{RetryPolicy: &types.RetryPolicy{
		MaxAttempts: 5, BackoffStrategy: types.BackoffLinear, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
	}}
	_, err := m.SendMessage(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, 5, types.AsError(err).Attempts)
	assert.Equal(t, int32(5), calls.Load())
}

func TestManager_NonRetryableFailsOnce(t *testing.T) {
	m := newTestManager(t, nil)

	var calls atomic.Int32
	require.NoError(t, m.RegisterMessageHandler("bad", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})))

	_, err := m.SendMessage(context.Background(), request("bad"))
	require.Error(t, err)
	assert.Equal(t, types.KindInternal, types.KindOf(err))
	assert.Equal(t, 1, types.AsError(err).Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_HandlerOptsIntoRetry(t *testing.T) {
	m := newTestManager(t, nil)

	var calls atomic.Int32
	require.NoError(t, m.RegisterMessageHandler("picky", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		if calls.Add(1) == 1 {
			return nil, types.NewError(types.KindValidation, "not yet").WithRetryable(true)
		}
		return "done", nil
	})))

	resp, err := m.SendMessage(context.Background(), request("picky"))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestManager_MissingHandler(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.SendMessage(context.Background(), request("nobody.home"))
	require.Error(t, err)
	terr := types.AsError(err)
	assert.Equal(t, types.KindCapabilityNotFound, terr.Kind)
	assert.Equal(t, 1, terr.Attempts)
}

func TestManager_HandlerPanic(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.RegisterMessageHandler("panics", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		panic("kaboom")
	})))

	_, err := m.SendMessage(context.Background(), request("panics"))
	assert.Equal(t, types.KindInternal, types.KindOf(err))
	assert.Equal(t, StateRunning, m.State())
}

func TestManager_Timeout(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.RegisterMessageHandler("slow", HandlerFunc(func(ctx context.Context, _ *types.Envelope) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	env := request("slow")
	env.Context = &types.MessageContext{TimeoutMS: 30}
	start := time.Now()
	_, err := m.SendMessage(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), m.GetMetrics().Timeouts)
}

func TestManager_CallerCancel(t *testing.T) {
	m := newTestManager(t, nil)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, m.RegisterMessageHandler("wait", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		<-release
		return nil, nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.SendMessage(ctx, request("wait"))
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

func TestManager_RejectsWhenNotRunning(t *testing.T) {
	m := New(testConfig(), zaptest.NewLogger(t))
	_, err := m.SendMessage(context.Background(), request(MethodPing))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindProtocol))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestManager_RejectsInvalidEnvelope(t *testing.T) {
	m := newTestManager(t, nil)
	env := request(MethodPing)
	env.From = ""

	_, err := m.SendMessage(context.Background(), env)
	assert.True(t, types.IsKind(err, types.KindProtocol))
	assert.Equal(t, int64(1), m.GetMetrics().ErrorsByKind[string(types.KindProtocol)])
}

func TestManager_DuplicateInFlightID(t *testing.T) {
	m := newTestManager(t, nil)
	release := make(chan struct{})
	require.NoError(t, m.RegisterMessageHandler("wait", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		<-release
		return "first", nil
	})))

	env := request("wait")
	first := sendAsync(m, env)
	require.Eventually(t, func() bool { return m.GetMetrics().CurrentConcurrency == 1 }, time.Second, time.Millisecond)

	_, err := m.SendMessage(context.Background(), env.Clone())
	assert.True(t, types.IsKind(err, types.KindProtocol))

	close(release)
	assert.NoError(t, <-first)
}

func TestManager_SecurityChecks(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.Security = SecurityConfig{
			Enabled:        true,
			TrustedAgents:  []string{"caller"},
			SigningSecret:  "secret",
			MessageTimeout: time.Minute,
		}
	})

	_, err := m.SendMessage(context.Background(), request(MethodPing))
	assert.NoError(t, err)

	untrusted := types.NewEnvelope("stranger", types.To("local"), MethodPing, nil)
	_, err = m.SendMessage(context.Background(), untrusted)
	assert.Equal(t, types.KindAuthorization, types.KindOf(err))

	forged := request(MethodPing)
	require.NoError(t, SignEnvelope(forged, []byte("guess")))
	_, err = m.SendMessage(context.Background(), forged)
	assert.Equal(t, types.KindAuthentication, types.KindOf(err))

	signed := request(MethodPing)
	require.NoError(t, SignEnvelope(signed, []byte("secret")))
	_, err = m.SendMessage(context.Background(), signed)
	assert.NoError(t, err)

	stale := request(MethodPing)
	stale.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
	_, err = m.SendMessage(context.Background(), stale)
	assert.Equal(t, types.KindAuthentication, types.KindOf(err))
}

func TestManager_PriorityOrder(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxConcurrentMessages = 1 })

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	require.NoError(t, m.RegisterMessageHandler("block", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		<-release
		return nil, nil
	})))
	require.NoError(t, m.RegisterMessageHandler("work", HandlerFunc(func(_ context.Context, env *types.Envelope) (any, error) {
		mu.Lock()
		order = append(order, env.Params["name"].(string))
		mu.Unlock()
		return nil, nil
	})))

	blocker := sendAsync(m, request("block"))
	require.Eventually(t, func() bool { return m.GetMetrics().CurrentConcurrency == 1 }, time.Second, time.Millisecond)

	var pending []<-chan error
	for i, p := range []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityCritical, types.PriorityNormal, types.PriorityHigh} {
		env := types.NewEnvelope("caller", types.To("local"), "work", map[string]any{"name": string(p) + string(rune('0'+i))})
		env.Priority = p
		pending = append(pending, sendAsync(m, env))
		want := i + 1
		require.Eventually(t, func() bool { return m.QueueLength() == want }, time.Second, time.Millisecond)
	}

	close(release)
	require.NoError(t, <-blocker)
	for _, ch := range pending {
		require.NoError(t, <-ch)
	}
	assert.Equal(t, []string{"critical2", "high4", "normal1", "normal3", "low0"}, order)
}

func TestManager_ConcurrencyBound(t *testing.T) {
	const limit = 2
	m := newTestManager(t, func(c *Config) { c.MaxConcurrentMessages = limit })

	var current, peak atomic.Int32
	require.NoError(t, m.RegisterMessageHandler("work", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SendMessage(context.Background(), request("work"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, int64(8), m.GetMetrics().MessagesSucceeded)
}

func TestManager_ShutdownRejectsPending(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentMessages = 1
	cfg.DrainTimeout = 20 * time.Millisecond
	m := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, m.Initialize(context.Background()))

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, m.RegisterMessageHandler("block", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		<-release
		return nil, nil
	})))

	running := sendAsync(m, request("block"))
	require.Eventually(t, func() bool { return m.GetMetrics().CurrentConcurrency == 1 }, time.Second, time.Millisecond)
	queuedA := sendAsync(m, request(MethodPing))
	queuedB := sendAsync(m, request(MethodPing))
	require.Eventually(t, func() bool { return m.QueueLength() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateShutdown, m.State())

	for _, ch := range []<-chan error{running, queuedA, queuedB} {
		err := <-ch
		require.Error(t, err)
		assert.Equal(t, types.KindProtocol, types.KindOf(err))
	}
	assert.Equal(t, 0, m.QueueLength())

	_, err := m.SendMessage(context.Background(), request(MethodPing))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestManager_SendNotification(t *testing.T) {
	m := newTestManager(t, nil)
	got := make(chan string, 1)
	require.NoError(t, m.RegisterMessageHandler("note", HandlerFunc(func(_ context.Context, env *types.Envelope) (any, error) {
		got <- env.From
		return nil, nil
	})))

	env := types.NewNotification("caller", types.To("local"), "note", nil)
	require.NoError(t, m.SendNotification(context.Background(), env))
	select {
	case from := <-got:
		assert.Equal(t, "caller", from)
	case <-time.After(time.Second):
		t.Fatal("notification handler did not run")
	}
	assert.Equal(t, int64(1), m.GetMetrics().NotificationsSent)

	err := m.SendNotification(context.Background(), types.NewNotification("caller", types.To("local"), "missing", nil))
	assert.Equal(t, types.KindCapabilityNotFound, types.KindOf(err))
}

type fakeRouter struct {
	mu        sync.Mutex
	route     *types.Route
	err       error
	successes map[string]int
	failures  map[string]int
}

func (r *fakeRouter) RouteMessage(context.Context, *types.Envelope) (*types.Route, error) {
	return r.route, r.err
}

func (r *fakeRouter) RecordDelivery(id string, success bool, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.successes[id]++
	} else {
		r.failures[id]++
	}
	return nil
}

func TestManager_WithRouter(t *testing.T) {
	route := &types.Route{Target: "local", Path: []string{"caller", "local"}, Hops: 1, Strategy: types.StrategyDirect}
	fr := &fakeRouter{route: route, successes: map[string]int{}, failures: map[string]int{}}
	m := newTestManager(t, nil, WithRouter(fr))

	resp, err := m.SendMessage(context.Background(), request(MethodPing))
	require.NoError(t, err)
	assert.Equal(t, route, resp.Route)
	fr.mu.Lock()
	assert.Equal(t, 1, fr.successes["local"])
	fr.mu.Unlock()

	fr.err = types.NewError(types.KindAgentUnavailable, "gone")
	_, err = m.SendMessage(context.Background(), request(MethodPing))
	assert.Equal(t, types.KindAgentUnavailable, types.KindOf(err))
}

func TestManager_Metrics(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.RegisterMessageHandler("fail", HandlerFunc(func(context.Context, *types.Envelope) (any, error) {
		return nil, types.NewError(types.KindValidation, "no")
	})))

	for i := 0; i < 3; i++ {
		_, err := m.SendMessage(context.Background(), request(MethodPing))
		require.NoError(t, err)
	}
	_, err := m.SendMessage(context.Background(), request("fail"))
	require.Error(t, err)

	got := m.GetMetrics()
	assert.Equal(t, int64(4), got.MessagesSent)
	assert.Equal(t, int64(3), got.MessagesSucceeded)
	assert.Equal(t, int64(1), got.MessagesFailed)
	assert.InDelta(t, 0.75, got.SuccessRate, 1e-9)
	assert.InDelta(t, 0.25, got.ErrorRate, 1e-9)
	assert.Equal(t, int64(1), got.ErrorsByKind[string(types.KindValidation)])
	assert.GreaterOrEqual(t, got.P99ResponseTime, got.P95ResponseTime)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, 10, got.MaxConcurrency)
}

func TestPercentile(t *testing.T) {
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 95*time.Millisecond, percentile(samples, 0.95))
	assert.Equal(t, 99*time.Millisecond, percentile(samples, 0.99))
	assert.Equal(t, time.Millisecond, percentile(samples[:1], 0.99))
}
