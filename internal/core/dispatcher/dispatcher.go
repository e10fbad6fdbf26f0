package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"crawladapter/internal/routing"
	"crawladapter/internal/shared/settings"
	"crawladapter/proxypool/model"
)

const maxRecentTargets = 20 // 历史记录的最大数量

// 决策来源
const (
	MatchedDirect   = "direct"
	MatchedSticky   = "sticky"
	MatchedSelector = "selector"
)

// RuleChecker 判断目标是否需要代理。
type RuleChecker interface {
	ShouldUseProxy(target string) bool
}

// Decision 是一次路由决策的结果。
type Decision struct {
	Target    string               `json:"target"`
	Host      string               `json:"host"`
	UseProxy  bool                 `json:"use_proxy"`
	Proxy     *model.ProxyIdentity `json:"proxy,omitempty"`
	Ingress   string               `json:"ingress,omitempty"`
	Strategy  string               `json:"strategy,omitempty"`
	MatchedBy string               `json:"matched_by"`
}

// Dispatcher 先用规则判断是否需要代理，需要时再通过粘性会话或选择器挑选出口。
type Dispatcher struct {
	rules    RuleChecker
	selector *Selector
	ingress  string

	// 原子地替换 StickyManager 实例，实现热重载
	stickyManager atomic.Value

	onDecision func(Decision)

	recentTargetsMutex sync.Mutex
	recentTargets      []string
}

// New 创建一个新的 Dispatcher 实例。
func New(rules RuleChecker, selector *Selector, ingress string, sticky *settings.StickySettings) *Dispatcher {
	d := &Dispatcher{
		rules:         rules,
		selector:      selector,
		ingress:       ingress,
		recentTargets: make([]string, 0, maxRecentTargets),
	}
	d.stickyManager.Store(NewStickyManager(sticky, selector.clock))
	return d
}

// OnDecision 设置决策回调 (指标、推送)。需在并发使用前调用。
func (d *Dispatcher) OnDecision(fn func(Decision)) {
	d.onDecision = fn
}

func (d *Dispatcher) getStickyManager() *StickyManager {
	return d.stickyManager.Load().(*StickyManager)
}

// Start 启动 Dispatcher 的后台任务 (粘性会话清理)。
func (d *Dispatcher) Start() {
	d.getStickyManager().Start()
}

// Stop 停止 Dispatcher 的后台任务。
func (d *Dispatcher) Stop() {
	d.getStickyManager().Stop()
}

// OnSettingsUpdate 实现 settings.ConfigurableModule，热替换粘性会话配置。
func (d *Dispatcher) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleSticky {
		return nil
	}
	cfg, ok := newSettings.(*settings.StickySettings)
	if !ok {
		return fmt.Errorf("dispatcher: received incorrect settings type for sticky module")
	}

	oldManager := d.getStickyManager()
	oldManager.Stop()

	newStickyManager := NewStickyManager(cfg, d.selector.clock)
	newStickyManager.Start()
	d.stickyManager.Store(newStickyManager)
	log.Info().Str("mode", cfg.Mode).Int("ttl", cfg.TTL).Msg("Dispatcher: sticky settings updated.")
	return nil
}

// Dispatch 是路由决策的核心入口。strategy 为空时使用选择器默认策略。
func (d *Dispatcher) Dispatch(ctx context.Context, target, strategy string) (*Decision, error) {
	host := routing.ExtractHostname(target)
	decision := &Decision{Target: target, Host: host}

	if !d.rules.ShouldUseProxy(target) {
		decision.MatchedBy = MatchedDirect
		log.Ctx(ctx).Debug().Str("target", target).Msg("Dispatcher: no rule matched, going direct.")
		d.emit(decision)
		return decision, nil
	}
	d.recordTarget(host)
	decision.UseProxy = true
	decision.Ingress = d.ingress

	chosen := d.selector.Strategy()
	if strategy != "" {
		var known bool
		if chosen, known = ParseStrategy(strategy); !known {
			log.Ctx(ctx).Warn().Str("strategy", strategy).Msg("Dispatcher: unknown strategy, using health_weighted.")
		}
	}
	decision.Strategy = chosen.String()

	sm := d.getStickyManager()
	stickyApplies := sm.ShouldApply(host)
	if stickyApplies {
		if record := sm.Get(host, d.selector.IsHealthy); record != nil {
			if id, ok := d.selector.Lookup(record.Proxy); ok {
				decision.Proxy = &id
				decision.MatchedBy = MatchedSticky
				log.Ctx(ctx).Debug().Str("host", host).Str("proxy", id.Name).Msg("Dispatcher: sticky route dispatched.")
				d.emit(decision)
				return decision, nil
			}
		}
	}

	id, err := d.selector.Select(chosen)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("target", target).Msg("Dispatcher: selector found no candidate.")
		return nil, fmt.Errorf("target %q needs a proxy: %w", target, err)
	}
	if stickyApplies {
		sm.Set(host, id.Name)
	}

	decision.Proxy = &id
	decision.MatchedBy = MatchedSelector
	log.Ctx(ctx).Debug().Str("host", host).Str("proxy", id.Name).Str("strategy", decision.Strategy).Msg("Dispatcher: proxy selected.")
	d.emit(decision)
	return decision, nil
}

func (d *Dispatcher) emit(decision *Decision) {
	if d.onDecision != nil {
		d.onDecision(*decision)
	}
}

func (d *Dispatcher) recordTarget(target string) {
	d.recentTargetsMutex.Lock()
	defer d.recentTargetsMutex.Unlock()

	for _, t := range d.recentTargets {
		if t == target {
			return
		}
	}
	if len(d.recentTargets) >= maxRecentTargets {
		d.recentTargets = d.recentTargets[1:]
	}
	d.recentTargets = append(d.recentTargets, target)
}

// RecentTargets 返回最近需要代理的目标主机，按首次出现顺序。
func (d *Dispatcher) RecentTargets() []string {
	d.recentTargetsMutex.Lock()
	defer d.recentTargetsMutex.Unlock()
	return append([]string{}, d.recentTargets...)
}

// StickyEntries 返回当前粘性会话。
func (d *Dispatcher) StickyEntries() map[string]StickyRecord {
	return d.getStickyManager().Entries()
}
