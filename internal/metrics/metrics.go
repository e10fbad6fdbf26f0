// Package metrics 导出 Prometheus 指标。所有方法对 nil *Registry 安全。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crawladapter/proxypool/model"
)

const namespace = "crawladapter"

// Registry 持有本进程的全部指标，使用独立的 prometheus.Registry。
type Registry struct {
	reg *prometheus.Registry

	switches        *prometheus.CounterVec
	healthChecks    *prometheus.CounterVec
	probeLatency    prometheus.Histogram
	proxyScore      *prometheus.GaugeVec
	proxyState      *prometheus.GaugeVec
	activeProxies   prometheus.Gauge
	healthyProxies  prometheus.Gauge
	selections      *prometheus.CounterVec
	routeDecisions  *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	rosterRefreshes *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_switches_total",
			Help:      "Active proxy switch attempts on the engine.",
		}, []string{"result"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Completed health probes.",
		}, []string{"result"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Wall time of a probe, from switch to last test.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		proxyScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_score",
			Help:      "Latest overall score per proxy.",
		}, []string{"proxy"}),
		proxyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_health_state",
			Help:      "Health classification per proxy (0 unknown .. 5 excellent).",
		}, []string{"proxy"}),
		activeProxies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_proxies",
			Help:      "Proxies in the current roster.",
		}),
		healthyProxies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_proxies",
			Help:      "Proxies scoring above the healthy threshold.",
		}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_selections_total",
			Help:      "Proxy selections by strategy.",
		}, []string{"strategy"}),
		routeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_decisions_total",
			Help:      "Routing decisions by outcome.",
		}, []string{"decision"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_lookups_total",
			Help:      "Decision cache lookups by result.",
		}, []string{"result"}),
		rosterRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roster_refreshes_total",
			Help:      "Roster refresh attempts.",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.switches, r.healthChecks, r.probeLatency, r.proxyScore, r.proxyState,
		r.activeProxies, r.healthyProxies, r.selections, r.routeDecisions,
		r.cacheLookups, r.rosterRefreshes,
	)
	return r
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Gatherer 返回底层注册表，用于测试或自定义导出。
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

func (r *Registry) ObserveSwitch(ok bool) {
	if r == nil {
		return
	}
	r.switches.WithLabelValues(result(ok)).Inc()
}

// ObserveSample 记录一次探测结果。state 为健康分级的数值。
func (r *Registry) ObserveSample(name string, sample model.HealthSample, state int) {
	if r == nil {
		return
	}
	r.healthChecks.WithLabelValues(result(sample.Success)).Inc()
	r.probeLatency.Observe(float64(sample.LatencyMs) / 1000)
	r.proxyScore.WithLabelValues(name).Set(sample.OverallScore)
	r.proxyState.WithLabelValues(name).Set(float64(state))
}

// SetRoster 更新名册大小，并删除已离开名册的代理的标签。
func (r *Registry) SetRoster(current []string, removed []string) {
	if r == nil {
		return
	}
	r.activeProxies.Set(float64(len(current)))
	for _, name := range removed {
		r.proxyScore.DeleteLabelValues(name)
		r.proxyState.DeleteLabelValues(name)
	}
}

func (r *Registry) SetHealthy(n int) {
	if r == nil {
		return
	}
	r.healthyProxies.Set(float64(n))
}

func (r *Registry) ObserveSelection(strategy string) {
	if r == nil {
		return
	}
	r.selections.WithLabelValues(strategy).Inc()
}

// ObserveRoute 记录一次路由决策及缓存命中情况。
func (r *Registry) ObserveRoute(cacheHit, useProxy bool) {
	if r == nil {
		return
	}
	decision := "direct"
	if useProxy {
		decision = "proxy"
	}
	r.routeDecisions.WithLabelValues(decision).Inc()
	r.cacheLookups.WithLabelValues(map[bool]string{true: "hit", false: "miss"}[cacheHit]).Inc()
}

func (r *Registry) ObserveRosterRefresh(ok bool, size int) {
	if r == nil {
		return
	}
	r.rosterRefreshes.WithLabelValues(result(ok)).Inc()
	if ok {
		r.activeProxies.Set(float64(size))
	}
}

// Value 读取计数器或仪表的当前值，labels 依次对应标签值。找不到时返回 0。
func (r *Registry) Value(name string, labels ...string) float64 {
	families, err := r.Gatherer().Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != namespace+"_"+name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			match := true
			for i, lp := range m.GetLabel() {
				if lp.GetValue() != labels[i] {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.GetCounter().GetValue()
			case m.Gauge != nil:
				return m.GetGauge().GetValue()
			case m.Histogram != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}
