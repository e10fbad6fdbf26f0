package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"crawladapter/internal/core/health"
	"crawladapter/internal/shared/settings"
	"crawladapter/proxypool/model"
)

// ErrNoCandidate 表示没有可选的代理 (名册为空，或禁用回退时无健康代理)。
var ErrNoCandidate = errors.New("no candidate proxy available")

// ErrUnknownProxy 表示按名称指定的代理不在名册中。
var ErrUnknownProxy = errors.New("proxy not in roster")

// SelectorConfig 是选择器的可调参数。
type SelectorConfig struct {
	Strategy         Strategy
	HealthyThreshold float64 // 分数严格大于该值视为健康
	FallbackToAll    bool    // health_weighted 无健康代理时是否在全部中选择
}

type healthEntry struct {
	score       float64
	latencyMs   int64
	lastChecked time.Time
}

// Stats 是选择器的汇总统计。
type Stats struct {
	TotalProxies    int       `json:"total_proxies"`
	HealthyProxies  int       `json:"healthy_proxies"`
	FailedProxies   int       `json:"failed_proxies"`
	HealthRate      float64   `json:"health_rate"`
	TotalUsage      int64     `json:"total_usage"`
	AverageUsage    float64   `json:"average_usage"`
	MostUsed        string    `json:"most_used_proxy,omitempty"`
	MostUsedCount   int64     `json:"most_used_count"`
	LeastUsed       string    `json:"least_used_proxy,omitempty"`
	LeastUsedCount  int64     `json:"least_used_count"`
	Strategy        string    `json:"strategy"`
	LastUpdate      time.Time `json:"last_update"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// Selector 为每个出站请求选择一个代理。
type Selector struct {
	mu              sync.RWMutex
	roster          []model.ProxyIdentity
	health          map[string]*healthEntry
	cfg             SelectorConfig
	balancers       map[Strategy]LoadBalancer
	lastUpdate      time.Time
	lastHealthCheck time.Time

	usageMu sync.Mutex
	usage   map[string]*model.UsageRecord

	tracker  *health.Tracker
	clock    clock.Clock
	onSelect func(strategy Strategy, name string)
}

// NewSelector 创建选择器。tracker 可为 nil。
func NewSelector(cfg SelectorConfig, tracker *health.Tracker, clk clock.Clock) *Selector {
	if clk == nil {
		clk = clock.New()
	}
	s := &Selector{
		health:  make(map[string]*healthEntry),
		usage:   make(map[string]*model.UsageRecord),
		tracker: tracker,
		clock:   clk,
	}
	s.applyConfig(cfg)
	return s
}

func (s *Selector) applyConfig(cfg SelectorConfig) {
	s.cfg = cfg
	s.balancers = map[Strategy]LoadBalancer{
		HealthWeighted: &HealthWeightedBalancer{FallbackToAll: cfg.FallbackToAll},
		RoundRobin:     NewRoundRobinBalancer(),
		LeastUsed:      &LeastUsedBalancer{},
		Random:         &RandomBalancer{},
	}
}

// OnSelect 设置选择回调 (指标)。需在并发使用前调用。
func (s *Selector) OnSelect(fn func(strategy Strategy, name string)) {
	s.onSelect = fn
}

// SetRoster 整体替换名册，保留仍存在的代理的分数和使用记录。
func (s *Selector) SetRoster(ids []model.ProxyIdentity) {
	keep := lo.SliceToMap(ids, func(id model.ProxyIdentity) (string, struct{}) {
		return id.Name, struct{}{}
	})

	s.mu.Lock()
	s.roster = append([]model.ProxyIdentity(nil), ids...)
	for name := range s.health {
		if _, ok := keep[name]; !ok {
			delete(s.health, name)
		}
	}
	s.lastUpdate = s.clock.Now()
	s.mu.Unlock()

	s.usageMu.Lock()
	for name := range s.usage {
		if _, ok := keep[name]; !ok {
			delete(s.usage, name)
		}
	}
	s.usageMu.Unlock()
}

// Roster 返回当前名册的副本。
func (s *Selector) Roster() []model.ProxyIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ProxyIdentity(nil), s.roster...)
}

// Lookup 按名称查找名册中的代理。
func (s *Selector) Lookup(name string) (model.ProxyIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Find(s.roster, func(id model.ProxyIdentity) bool { return id.Name == name })
}

// Strategy 返回默认策略。
func (s *Selector) Strategy() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Strategy
}

// SelectDefault 使用默认策略选择。
func (s *Selector) SelectDefault() (model.ProxyIdentity, error) {
	return s.Select(s.Strategy())
}

// SelectByName 以字符串指定策略。未知名称记录告警后按 health_weighted 处理。
func (s *Selector) SelectByName(name string) (model.ProxyIdentity, error) {
	strategy, ok := ParseStrategy(name)
	if !ok {
		log.Warn().Str("strategy", name).Msg("Selector: unknown strategy, using health_weighted.")
	}
	return s.Select(strategy)
}

// Select 按策略选择一个代理并更新其使用记录。
// 策略内部出错时回退到名册第一个 (不计入使用)；名册为空时返回 ErrNoCandidate。
func (s *Selector) Select(strategy Strategy) (model.ProxyIdentity, error) {
	return s.SelectExcluding(strategy)
}

// SelectExcluding 与 Select 相同，但不考虑 exclude 中的名称 (如引擎当前的活动代理)。
func (s *Selector) SelectExcluding(strategy Strategy, exclude ...string) (model.ProxyIdentity, error) {
	states, lb := s.snapshot(strategy)
	if len(exclude) > 0 {
		states = lo.Reject(states, func(st ProxyState, _ int) bool {
			return lo.Contains(exclude, st.Identity.Name)
		})
	}
	if len(states) == 0 {
		return model.ProxyIdentity{}, ErrNoCandidate
	}
	if lb == nil {
		log.Warn().Int("strategy", int(strategy)).Msg("Selector: no balancer for strategy, using first proxy.")
		return states[0].Identity, nil
	}

	chosen, err := safeSelect(lb, states)
	if errors.Is(err, errNoHealthy) {
		return model.ProxyIdentity{}, fmt.Errorf("%w: %s", ErrNoCandidate, err)
	}
	if err != nil {
		log.Warn().Err(err).Str("strategy", strategy.String()).Msg("Selector: selection failed, falling back to first proxy.")
		return states[0].Identity, nil
	}

	s.recordUsage(chosen.Identity.Name)
	if s.onSelect != nil {
		s.onSelect(strategy, chosen.Identity.Name)
	}
	return chosen.Identity, nil
}

func safeSelect(lb LoadBalancer, states []ProxyState) (chosen ProxyState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("balancer panic: %v", r)
		}
	}()
	return lb.Select(states)
}

func (s *Selector) recordUsage(name string) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	rec, ok := s.usage[name]
	if !ok {
		rec = &model.UsageRecord{}
		s.usage[name] = rec
	}
	rec.SelectionCount++
	rec.LastSelected = s.clock.Now()
}

func (s *Selector) snapshot(strategy Strategy) ([]ProxyState, LoadBalancer) {
	s.mu.RLock()
	roster := s.roster
	lb := s.balancers[strategy]
	states := make([]ProxyState, 0, len(roster))
	for _, id := range roster {
		st := ProxyState{Identity: id}
		if h, ok := s.health[id.Name]; ok {
			st.Score = h.score
			st.LatencyMs = h.latencyMs
			st.LastChecked = h.lastChecked
		}
		st.Healthy = st.Score > s.cfg.HealthyThreshold
		states = append(states, st)
	}
	s.mu.RUnlock()

	s.usageMu.Lock()
	for i := range states {
		if rec, ok := s.usage[states[i].Identity.Name]; ok {
			states[i].Usage = *rec
		}
	}
	s.usageMu.Unlock()
	return states, lb
}

// States 返回名册中每个代理的当前状态。
func (s *Selector) States() []ProxyState {
	states, _ := s.snapshot(HealthWeighted)
	return states
}

// UpdateHealth 合并一批探测结果到分数缓存与历史。
func (s *Selector) UpdateHealth(results map[string]model.HealthSample) {
	s.mu.Lock()
	for name, r := range results {
		s.mergeLocked(name, r)
	}
	s.lastHealthCheck = s.clock.Now()
	s.mu.Unlock()

	if s.tracker != nil {
		for name, r := range results {
			s.tracker.Record(name, r)
		}
	}
}

// Observe 合并单个探测结果，可直接注册为健康检查观察者。
func (s *Selector) Observe(name string, sample model.HealthSample) {
	s.UpdateHealth(map[string]model.HealthSample{name: sample})
}

func (s *Selector) mergeLocked(name string, r model.HealthSample) {
	h, ok := s.health[name]
	if !ok {
		h = &healthEntry{}
		s.health[name] = h
	}
	if !r.Timestamp.IsZero() && r.Timestamp.Before(h.lastChecked) {
		return
	}
	h.score = r.OverallScore
	h.latencyMs = r.LatencyMs
	h.lastChecked = r.Timestamp
}

// IsHealthy 报告 name 是否在名册中且分数超过阈值。
func (s *Selector) IsHealthy(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !lo.ContainsBy(s.roster, func(id model.ProxyIdentity) bool { return id.Name == name }) {
		return false
	}
	h, ok := s.health[name]
	return ok && h.score > s.cfg.HealthyThreshold
}

// Statistics 返回健康与使用情况汇总。
func (s *Selector) Statistics() Stats {
	states, _ := s.snapshot(HealthWeighted)

	s.mu.RLock()
	st := Stats{
		TotalProxies:    len(states),
		Strategy:        s.cfg.Strategy.String(),
		LastUpdate:      s.lastUpdate,
		LastHealthCheck: s.lastHealthCheck,
	}
	s.mu.RUnlock()

	if len(states) == 0 {
		return st
	}
	st.HealthyProxies = len(healthySubset(states))
	st.FailedProxies = st.TotalProxies - st.HealthyProxies
	st.HealthRate = float64(st.HealthyProxies) / float64(st.TotalProxies)
	st.TotalUsage = lo.SumBy(states, func(p ProxyState) int64 { return p.Usage.SelectionCount })
	st.AverageUsage = float64(st.TotalUsage) / float64(st.TotalProxies)

	most := lo.MaxBy(states, func(a, b ProxyState) bool { return a.Usage.SelectionCount > b.Usage.SelectionCount })
	least := lo.MinBy(states, func(a, b ProxyState) bool { return a.Usage.SelectionCount < b.Usage.SelectionCount })
	st.MostUsed, st.MostUsedCount = most.Identity.Name, most.Usage.SelectionCount
	st.LeastUsed, st.LeastUsedCount = least.Identity.Name, least.Usage.SelectionCount
	return st
}

// Config 返回当前配置。
func (s *Selector) Config() SelectorConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// OnSettingsUpdate 实现 settings.ConfigurableModule。
func (s *Selector) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleSelector {
		return nil
	}
	cfg, ok := newSettings.(*settings.SelectorSettings)
	if !ok {
		return fmt.Errorf("selector: received incorrect settings type")
	}
	strategy, known := ParseStrategy(cfg.Strategy)
	if !known {
		log.Warn().Str("strategy", cfg.Strategy).Msg("Selector: unknown strategy in settings, using health_weighted.")
	}

	s.mu.Lock()
	s.applyConfig(SelectorConfig{
		Strategy:         strategy,
		HealthyThreshold: cfg.HealthyThreshold,
		FallbackToAll:    cfg.FallbackToAll,
	})
	s.mu.Unlock()
	log.Info().Str("strategy", strategy.String()).Float64("threshold", cfg.HealthyThreshold).Msg("Selector settings updated.")
	return nil
}
