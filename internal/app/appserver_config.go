package app

import (
	"context"
	"fmt"
	"time"

	"crawladapter/internal/core/dispatcher"
	"crawladapter/internal/core/health"
	"crawladapter/internal/metrics"
	"crawladapter/internal/shared/logger"
	"crawladapter/internal/shared/types"
	manager "crawladapter/proxypool"
	"crawladapter/proxypool/model"
)

const directProxy = "DIRECT"

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// healthOptions 把 [health] 段转换为检查器配置。
func healthOptions(c types.HealthConf) (health.Options, error) {
	strategy, err := health.ParseStrategy(c.Strategy)
	if err != nil {
		return health.Options{}, err
	}
	return health.Options{
		Strategy: strategy,
		Probe: health.ProbeConfig{
			Targets:            c.TestURLs,
			Timeout:            seconds(c.Timeout),
			RequestTimeout:     seconds(c.RequestTimeout),
			MinSuccessRate:     c.MinSuccessRate,
			StopOnFirstSuccess: c.StopOnFirstSuccess,
		},
		MaxConcurrent: c.MaxConcurrent,
		Tracker: health.TrackerConfig{
			WindowSize: c.WindowSize,
			MaxAge:     time.Duration(c.MaxAgeHours) * time.Hour,
		},
		Scheduler: health.SchedulerConfig{
			BaseInterval: seconds(c.BaseInterval),
			MinInterval:  seconds(c.MinInterval),
			MaxInterval:  seconds(c.MaxInterval),
		},
	}, nil
}

// selectorConfig 把 [selector] 段转换为选择器配置。未知策略记录告警。
func selectorConfig(c types.SelectorConf) dispatcher.SelectorConfig {
	strategy, ok := dispatcher.ParseStrategy(c.Strategy)
	if !ok {
		logger.Warn().Str("strategy", c.Strategy).Msg("Unknown selector strategy in config, using health_weighted.")
	}
	return dispatcher.SelectorConfig{
		Strategy:         strategy,
		HealthyThreshold: c.HealthyThreshold,
		FallbackToAll:    c.FallbackToAll,
	}
}

// meteredSwitcher 统计引擎切换次数。
type meteredSwitcher struct {
	health.Switcher
	metrics *metrics.Registry
}

func (m *meteredSwitcher) SwitchActiveProxy(ctx context.Context, name string) bool {
	ok := m.Switcher.SwitchActiveProxy(ctx, name)
	m.metrics.ObserveSwitch(ok)
	return ok
}

// SwitchProxy 切换到指定代理 (name 为空时按 strategy 选择) 并立即探测一次。
// 按策略选择时排除引擎当前的活动代理和 DIRECT。
// 切换与测试经由探测器的独占门进行，不会与后台探测交错。
func (s *AppServer) SwitchProxy(ctx context.Context, name, strategy string) (model.ProxyIdentity, model.HealthSample, error) {
	var (
		id  model.ProxyIdentity
		err error
	)
	if name != "" {
		var ok bool
		if id, ok = s.selector.Lookup(name); !ok {
			return model.ProxyIdentity{}, model.HealthSample{}, fmt.Errorf("%w: %s", dispatcher.ErrUnknownProxy, name)
		}
	} else {
		chosen := s.selector.Strategy()
		if strategy != "" {
			var known bool
			if chosen, known = dispatcher.ParseStrategy(strategy); !known {
				logger.Warn().Str("strategy", strategy).Msg("Unknown switch strategy, using health_weighted.")
			}
		}
		id, err = s.selector.SelectExcluding(chosen, s.activeProxy(ctx), directProxy)
	}
	if err != nil {
		return model.ProxyIdentity{}, model.HealthSample{}, err
	}

	sample := s.checker.Prober().Probe(ctx, id)
	s.onSample(id.Name, sample)

	logger.Info().Str("proxy", id.Name).Bool("success", sample.Success).Float64("score", sample.OverallScore).
		Msg("Manual switch finished.")
	return id, sample, nil
}

// activeProxy 返回引擎分组当前选中的代理。查询失败时返回空串，不排除任何代理。
func (s *AppServer) activeProxy(ctx context.Context) string {
	g, err := s.engine.Group(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Could not read active proxy from engine.")
		return ""
	}
	return g.Now
}

// EngineVersion 查询引擎版本，用于状态页。
func (s *AppServer) EngineVersion(ctx context.Context) (string, error) {
	return s.engine.Version(ctx)
}

// RosterStatus 返回名册状态。
func (s *AppServer) RosterStatus() manager.Status {
	return s.rosterManager.Status()
}
