// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Manager 指标
	messagesTotal   *prometheus.CounterVec
	messageDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	inFlight        prometheus.Gauge

	// Router 指标
	routesTotal      *prometheus.CounterVec
	routeDuration    *prometheus.HistogramVec
	routeHops        prometheus.Histogram
	registeredAgents prometheus.Gauge

	// Bridge 指标
	translationsTotal   *prometheus.CounterVec
	translationDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	// 事件与日志库指标
	eventsTotal     *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewCollector 创建指标收集器
// reg 为 nil 时注册到 prometheus 默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	c := &Collector{
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Manager 指标
	c.messagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "messages_total",
			Help:      "Messages reaching a terminal outcome",
		},
		[]string{"method", "status"},
	)
	c.messageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "message_duration_seconds",
			Help:      "Time from enqueue to terminal outcome",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "retries_total",
			Help:      "Retries scheduled",
		},
		[]string{"method"},
	)
	c.rejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "rejections_total",
			Help:      "Failures by error kind",
		},
		[]string{"kind"},
	)
	c.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "queue_depth",
		Help:      "Messages waiting in the priority queue",
	})
	c.inFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "in_flight",
		Help:      "Handler invocations currently running",
	})

	// Router 指标
	c.routesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routes_total",
			Help:      "Routing decisions by strategy and outcome",
		},
		[]string{"strategy", "status"},
	)
	c.routeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "route_duration_seconds",
			Help:      "Routing decision latency",
			Buckets:   []float64{.00001, .0001, .001, .01, .1},
		},
		[]string{"strategy"},
	)
	c.routeHops = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "route_hops",
		Help:      "Hop count of resolved routes",
		Buckets:   []float64{1, 2, 3, 4, 5, 10},
	})
	c.registeredAgents = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "registered_agents",
		Help:      "Agents in the routing table",
	})

	// Bridge 指标
	c.translationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "translations_total",
			Help:      "Translations by direction and outcome",
		},
		[]string{"direction", "status"},
	)
	c.translationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "translation_duration_seconds",
			Help:      "Translation latency",
			Buckets:   []float64{.00001, .0001, .001, .01, .1},
		},
		[]string{"direction"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)
	c.cacheEvictions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of evicted cache entries",
		},
		[]string{"cache_type", "reason"},
	)

	// 事件与日志库指标
	c.eventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Fabric events published on the bus",
		},
		[]string{"type"},
	)
	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"database", "operation"},
	)

	return c
}

// Handler 返回 /metrics 端点
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📨 Manager 指标记录
// =============================================================================

// RecordMessage 记录消息的终态
func (c *Collector) RecordMessage(method, status string, duration time.Duration) {
	c.messagesTotal.WithLabelValues(method, status).Inc()
	c.messageDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRetry 记录一次重试调度
func (c *Collector) RecordRetry(method string) {
	c.retriesTotal.WithLabelValues(method).Inc()
}

// RecordRejection 按错误类型记录失败
func (c *Collector) RecordRejection(kind types.ErrorKind) {
	c.rejectionsTotal.WithLabelValues(string(kind)).Inc()
}

// SetQueueDepth 设置队列深度
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// SetInFlight 设置并发处理数
func (c *Collector) SetInFlight(n int) {
	c.inFlight.Set(float64(n))
}

// =============================================================================
// 🧭 Router 指标记录
// =============================================================================

// RecordRoute 记录路由决策
func (c *Collector) RecordRoute(strategy, status string, hops int, duration time.Duration) {
	c.routesTotal.WithLabelValues(strategy, status).Inc()
	c.routeDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	if status == "success" {
		c.routeHops.Observe(float64(hops))
	}
}

// SetRegisteredAgents 设置已注册 Agent 数
func (c *Collector) SetRegisteredAgents(n int) {
	c.registeredAgents.Set(float64(n))
}

// =============================================================================
// 🔁 Bridge 指标记录
// =============================================================================

// RecordTranslation 记录一次翻译
func (c *Collector) RecordTranslation(direction, status string, duration time.Duration) {
	c.translationsTotal.WithLabelValues(direction, status).Inc()
	c.translationDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCacheEviction 记录缓存淘汰
func (c *Collector) RecordCacheEviction(cacheType, reason string, n int) {
	c.cacheEvictions.WithLabelValues(cacheType, reason).Add(float64(n))
}

// =============================================================================
// 📰 事件与数据库指标记录
// =============================================================================

// Publish 实现 types.EventSink，按类型计数
func (c *Collector) Publish(ev types.Event) {
	c.eventsTotal.WithLabelValues(string(ev.Type)).Inc()
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

func statusCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return strconv.Itoa(code)
	}
}
