package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"crawladapter/internal/shared/logger"
	"crawladapter/proxypool/model"
)

// Strategy 在构造时选定，决定是否记录历史与支持后台调度。
type Strategy int

const (
	StrategyBasic Strategy = iota
	StrategyAdaptive
)

func (s Strategy) String() string {
	if s == StrategyAdaptive {
		return "adaptive"
	}
	return "basic"
}

// ParseStrategy 解析 "basic" / "adaptive"。
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "basic":
		return StrategyBasic, nil
	case "adaptive", "":
		return StrategyAdaptive, nil
	default:
		return StrategyBasic, fmt.Errorf("unknown health strategy %q", name)
	}
}

// ErrBackgroundUnsupported 表示 Basic 策略不支持后台调度。
var ErrBackgroundUnsupported = errors.New("background checking requires the adaptive strategy")

// Observer 在每个探测样本产生后被调用。
type Observer func(name string, sample model.HealthSample)

// Options 汇总 Checker 的全部配置。
type Options struct {
	Strategy      Strategy
	Probe         ProbeConfig
	MaxConcurrent int
	Tracker       TrackerConfig
	Scheduler     SchedulerConfig
	Clock         clock.Clock
}

// Checker 是健康监测的门面: 一次性全量检查、后台自适应调度、结果汇总。
type Checker struct {
	strategy  Strategy
	prober    *Prober
	tracker   *Tracker
	limiter   *semaphore.Weighted
	scheduler *Scheduler
	clock     clock.Clock

	mu        sync.RWMutex
	observers []Observer
}

// New 绑定引擎 (切换 + 测试入口) 创建 Checker。
func New(sw Switcher, t Tester, opts Options) *Checker {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	c := &Checker{
		strategy: opts.Strategy,
		prober:   NewProber(sw, t, opts.Probe, clk),
		tracker:  NewTracker(opts.Tracker, clk),
		limiter:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		clock:    clk,
	}
	if c.strategy == StrategyAdaptive {
		c.scheduler = NewScheduler(opts.Scheduler, c.prober, c.tracker, c.limiter, clk)
		c.scheduler.OnResult(c.notify)
	}
	return c
}

func (c *Checker) Strategy() Strategy { return c.strategy }
func (c *Checker) Prober() *Prober    { return c.prober }
func (c *Checker) Tracker() *Tracker  { return c.tracker }

// AddObserver 注册结果观察者。
func (c *Checker) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Checker) notify(name string, sample model.HealthSample) {
	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()
	for _, o := range observers {
		o(name, sample)
	}
}

// CheckAll 并发检查所有代理 (受全局并发上限约束)，返回 name -> 样本。
// ctx 结束后产生的样本只反映取消，不进入历史、观察者和返回结果。
func (c *Checker) CheckAll(ctx context.Context, identities []model.ProxyIdentity) map[string]model.HealthSample {
	cycleID := uuid.NewString()
	start := c.clock.Now()
	results := make(map[string]model.HealthSample, len(identities))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, id := range identities {
		wg.Add(1)
		go func(id model.ProxyIdentity) {
			defer wg.Done()

			if err := c.limiter.Acquire(ctx, 1); err != nil {
				return
			}
			sample := c.prober.Probe(ctx, id)
			c.limiter.Release(1)
			if ctx.Err() != nil {
				return
			}

			if c.strategy == StrategyAdaptive {
				c.tracker.Record(id.Name, sample)
			}
			c.notify(id.Name, sample)

			mu.Lock()
			results[id.Name] = sample
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	summary := Summarize(results)
	event := logger.Info()
	if ctx.Err() != nil {
		event = logger.Warn().Int("skipped", len(identities)-len(results))
	}
	event.Str("cycle", cycleID).Int("total", summary.Total).Int("healthy", summary.Healthy).
		Dur("elapsed", c.clock.Since(start)).Msg("HealthCheck: cycle finished.")
	return results
}

// StartBackground 启动自适应后台调度。仅 Adaptive 策略可用。
func (c *Checker) StartBackground(identities []model.ProxyIdentity) error {
	if c.scheduler == nil {
		logger.Warn().Str("strategy", c.strategy.String()).Msg("Background checking only available with adaptive strategy.")
		return ErrBackgroundUnsupported
	}
	c.scheduler.Start(identities)
	return nil
}

// StopBackground 停止后台调度并等待在途探测。
func (c *Checker) StopBackground() {
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
}

// BackgroundRunning 报告后台调度是否在运行。
func (c *Checker) BackgroundRunning() bool {
	return c.scheduler != nil && c.scheduler.Running()
}

// SyncRoster 在名册刷新后同步调度计划与历史。
func (c *Checker) SyncRoster(identities []model.ProxyIdentity) {
	c.tracker.Retain(model.Names(identities))
	if c.scheduler != nil && c.scheduler.Running() {
		c.scheduler.Sync(identities)
	}
}

// NextChecks 返回后台计划中各代理的下一次检查时间。
func (c *Checker) NextChecks() map[string]time.Time {
	if c.scheduler == nil {
		return map[string]time.Time{}
	}
	return c.scheduler.Pending()
}

// Info 返回单个代理的历史信息。Basic 策略不记录历史。
func (c *Checker) Info(name string) (HistoryInfo, bool) {
	if c.strategy != StrategyAdaptive {
		return HistoryInfo{}, false
	}
	return c.tracker.Info(name)
}

// AllInfo 返回所有代理的历史信息。
func (c *Checker) AllInfo() map[string]HistoryInfo {
	if c.strategy != StrategyAdaptive {
		return map[string]HistoryInfo{}
	}
	return c.tracker.All()
}

// Summary 是一轮检查结果的汇总。
type Summary struct {
	Total              int     `json:"total_proxies"`
	Healthy            int     `json:"healthy_proxies"`
	Failed             int     `json:"failed_proxies"`
	HealthRate         float64 `json:"health_rate"`
	AverageLatency     float64 `json:"average_latency"`
	AverageSuccessRate float64 `json:"average_success_rate"`
}

// Summarize 汇总结果，平均值只在健康样本上计算。
func Summarize(results map[string]model.HealthSample) Summary {
	var s Summary
	s.Total = len(results)
	if s.Total == 0 {
		return s
	}
	var latency, rate float64
	for _, r := range results {
		if r.Success {
			s.Healthy++
			latency += float64(r.LatencyMs)
			rate += r.SuccessRate
		}
	}
	s.Failed = s.Total - s.Healthy
	s.HealthRate = float64(s.Healthy) / float64(s.Total)
	if s.Healthy > 0 {
		s.AverageLatency = latency / float64(s.Healthy)
		s.AverageSuccessRate = rate / float64(s.Healthy)
	}
	return s
}

// Healthy 返回样本成功的代理，保持名册顺序。
func Healthy(identities []model.ProxyIdentity, results map[string]model.HealthSample) []model.ProxyIdentity {
	var out []model.ProxyIdentity
	for _, id := range identities {
		if r, ok := results[id.Name]; ok && r.Success {
			out = append(out, id)
		}
	}
	return out
}
