// Package metrics 以 Prometheus 指标暴露请求管道的运行状况。
// 所有方法在 nil 接收者上都是空操作。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/auth"
	"schwab-gateway/internal/gateway"
	"schwab-gateway/internal/retry"
)

const namespace = "schwab"

// Metrics 持有独立的 Registry，避免与进程内其他指标冲突。
type Metrics struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	calls       *prometheus.CounterVec
	retries     *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	limiterWait prometheus.Histogram
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "传输尝试次数，按方法与结果分类",
		}, []string{"method", "outcome", "status"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "逻辑调用次数，按最终结果分类",
		}, []string{"method", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "退避后重试的次数",
		}, []string{"method"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "令牌刷新次数，按 API 与结果分类",
		}, []string{"source", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_transitions_total",
			Help:      "授权状态迁移次数",
		}, []string{"source", "to"}),
		limiterWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "等待限流窗口重置的时长",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}

	m.registry.MustRegister(
		m.attempts,
		m.calls,
		m.retries,
		m.refreshes,
		m.transitions,
		m.limiterWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 Registry，测试中用于读取指标。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnAttempt 实现 gateway.Observer。
func (m *Metrics) OnAttempt(method string, out retry.Outcome) {
	if m == nil {
		return
	}
	status := "none"
	if out.StatusCode != 0 {
		status = strconv.Itoa(out.StatusCode)
	}
	m.attempts.WithLabelValues(method, out.Kind.String(), status).Inc()
}

// OnRetry 实现 gateway.Observer。
func (m *Metrics) OnRetry(method string, _ time.Duration) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(method).Inc()
}

// OnCallDone 实现 gateway.Observer。
func (m *Metrics) OnCallDone(d gateway.Descriptor, _ int, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(d.Method, apierr.Category(err)).Inc()
}

// ObserveLimiterWait 实现 ratelimit.Observer。
func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.limiterWait.Observe(d.Seconds())
}

// OnTransition 实现 auth.Observer。
func (m *Metrics) OnTransition(api string, _, to auth.State, _ string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(api, to.String()).Inc()
}

// OnRefresh 实现 auth.Observer。
func (m *Metrics) OnRefresh(api string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.refreshes.WithLabelValues(api, result).Inc()
}
