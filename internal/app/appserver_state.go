package app

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"crawladapter/internal/core/health"
	"crawladapter/internal/shared/logger"
	"crawladapter/proxypool/model"
)

// onSample 是健康检查观察者：把每个样本分发到选择器、快照、指标和推送。
func (s *AppServer) onSample(name string, sample model.HealthSample) {
	s.selector.Observe(name, sample)
	s.rosterManager.Record(name, sample)
	s.metrics.ObserveSample(name, sample, int(s.checker.Tracker().Classify(name)))
	s.hub.BroadcastHealthUpdate(name, sample)

	s.resultsMu.Lock()
	if prev, ok := s.lastResults[name]; !ok || !sample.Timestamp.Before(prev.Timestamp) {
		s.lastResults[name] = sample
	}
	s.resultsMu.Unlock()
}

// onRosterChange 在名册整体替换后同步所有依赖名册的组件。
func (s *AppServer) onRosterChange(current []model.ProxyIdentity, added, removed []string) {
	s.selector.SetRoster(current)
	s.checker.SyncRoster(current)
	s.metrics.SetRoster(model.Names(current), removed)
	s.metrics.ObserveRosterRefresh(true, len(current))

	s.resultsMu.Lock()
	for _, name := range removed {
		delete(s.lastResults, name)
	}
	s.resultsMu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	logger.Info().Int("count", len(current)).Interface("added", added).Interface("removed", removed).Msg("Roster synchronized.")
	s.hub.BroadcastRosterUpdate(model.Names(current), added, removed)
}

// warmFromSnapshot 用上次保存的样本预热分数，避免冷启动时全部视为不健康。
func (s *AppServer) warmFromSnapshot() {
	samples := s.rosterManager.LoadSnapshot()
	if len(samples) == 0 {
		return
	}
	// 自适应模式下选择器与检查器共享跟踪器，样本同时进入历史
	s.selector.UpdateHealth(samples)

	s.resultsMu.Lock()
	for name, sample := range samples {
		s.lastResults[name] = sample
	}
	s.resultsMu.Unlock()
	logger.Info().Int("count", len(samples)).Msg("Warmed proxy scores from health snapshot.")
}

// RunHealthCheck 对当前名册执行一轮全量检查并保存快照。
func (s *AppServer) RunHealthCheck(ctx context.Context) (health.Summary, error) {
	roster := s.selector.Roster()
	if len(roster) == 0 {
		return health.Summary{}, nil
	}
	results := s.checker.CheckAll(ctx, roster)
	if err := s.rosterManager.SaveSnapshot(); err != nil {
		logger.Warn().Err(err).Msg("Failed to save health snapshot after check cycle.")
	}
	if err := ctx.Err(); err != nil {
		return health.Summarize(results), err
	}
	return health.Summarize(results), nil
}

// LastSummary 汇总名册内各代理最近一次样本。
func (s *AppServer) LastSummary() health.Summary {
	names := lo.SliceToMap(s.selector.Roster(), func(id model.ProxyIdentity) (string, struct{}) {
		return id.Name, struct{}{}
	})
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	return health.Summarize(lo.PickByKeys(s.lastResults, lo.Keys(names)))
}
