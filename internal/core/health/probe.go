package health

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"crawladapter/internal/shared/logger"
	"crawladapter/proxypool/model"
)

const (
	// ErrSwitchFailed 是切换失败时写入样本的错误信息
	ErrSwitchFailed = "switch failed"

	maxTargetFanout = 4
)

// Switcher 将引擎的全局活动出口切换到指定代理。
type Switcher interface {
	SwitchActiveProxy(ctx context.Context, name string) bool
}

// Tester 通过引擎的本地入口请求目标，返回 HTTP 状态码。
type Tester interface {
	Test(ctx context.Context, target string) (int, error)
}

// ProbeConfig 描述一次探测的目标与阈值。
type ProbeConfig struct {
	Targets            []string
	Timeout            time.Duration // 整个探测的超时
	RequestTimeout     time.Duration // 单个目标的子超时, 应小于 Timeout
	MinSuccessRate     float64
	StopOnFirstSuccess bool // 最小模式: 首个成功后停止
}

// Prober 执行单个代理的连通性评估。
//
// 引擎只有一个全局活动代理，所以 switch 和其后的测试必须成对地串行执行。
// gate 保证任意时刻只有一对 switch+test 在进行，与外部的探测并发上限无关。
type Prober struct {
	switcher Switcher
	tester   Tester
	cfg      ProbeConfig
	gate     *semaphore.Weighted
	clock    clock.Clock
}

// NewProber 创建探测器。clk 为 nil 时使用真实时钟。
func NewProber(sw Switcher, t Tester, cfg ProbeConfig, clk clock.Clock) *Prober {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 || cfg.RequestTimeout > cfg.Timeout {
		cfg.RequestTimeout = cfg.Timeout
	}
	return &Prober{
		switcher: sw,
		tester:   t,
		cfg:      cfg,
		gate:     semaphore.NewWeighted(1),
		clock:    clk,
	}
}

// Exclusive 在持有引擎切换权时执行 fn。外部的手动切换也必须经过这里，
// 否则会与正在进行的探测互相干扰。
func (p *Prober) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("engine gate: %w", err)
	}
	defer p.gate.Release(1)
	return fn(ctx)
}

// Probe 对 id 做一次评估。永不返回错误，所有失败都折叠进样本。
func (p *Prober) Probe(ctx context.Context, id model.ProxyIdentity) (sample model.HealthSample) {
	start := p.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			sample = model.FailedSample(p.clock.Now(), p.clock.Since(start).Milliseconds(), fmt.Sprintf("probe panic: %v", r))
		}
	}()

	// 排队等待 gate 的时间不计入本次探测的超时
	err := p.Exclusive(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		sample = p.probeLocked(ctx, id)
		return nil
	})
	if err != nil {
		return model.FailedSample(p.clock.Now(), p.clock.Since(start).Milliseconds(), err.Error())
	}
	return sample
}

func (p *Prober) probeLocked(ctx context.Context, id model.ProxyIdentity) model.HealthSample {
	start := p.clock.Now()
	logFields := logger.Debug().Str("proxy", id.Name)

	if !p.switcher.SwitchActiveProxy(ctx, id.Name) {
		logFields.Str("error", ErrSwitchFailed).Msg("HealthProbe: switch rejected, skipping tests.")
		return model.FailedSample(p.clock.Now(), p.clock.Since(start).Milliseconds(), ErrSwitchFailed)
	}

	total := len(p.cfg.Targets)
	var successes int
	if p.cfg.StopOnFirstSuccess {
		successes = p.testUntilFirstSuccess(ctx)
	} else {
		successes = p.testAll(ctx)
	}
	latency := p.clock.Since(start).Milliseconds()

	var rate float64
	if total > 0 {
		rate = float64(successes) / float64(total)
	}
	sample := model.HealthSample{
		Timestamp:    p.clock.Now(),
		LatencyMs:    latency,
		Connectivity: rate,
		SuccessRate:  rate,
	}
	if total > 0 && rate >= p.cfg.MinSuccessRate {
		sample.Success = true
		sample.OverallScore = rate
	} else {
		sample.Error = fmt.Sprintf("%d/%d targets reachable", successes, total)
	}

	logFields.Bool("success", sample.Success).Int64("latency_ms", latency).Float64("score", sample.OverallScore).Msg("HealthProbe: finished.")
	return sample
}

func (p *Prober) testUntilFirstSuccess(ctx context.Context) int {
	for _, target := range p.cfg.Targets {
		if ctx.Err() != nil {
			return 0
		}
		if p.testOne(ctx, target) {
			return 1
		}
	}
	return 0
}

func (p *Prober) testAll(ctx context.Context) int {
	var successes int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxTargetFanout)
	for _, target := range p.cfg.Targets {
		target := target
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn().Str("target", target).Interface("panic", r).Msg("HealthProbe: target test panicked.")
				}
			}()
			if p.testOne(gctx, target) {
				atomic.AddInt32(&successes, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(atomic.LoadInt32(&successes))
}

func (p *Prober) testOne(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	status, err := p.tester.Test(ctx, target)
	if err != nil {
		logger.Debug().Str("target", target).Err(err).Msg("HealthProbe: target failed.")
		return false
	}
	return status == http.StatusOK || status == http.StatusNoContent
}
