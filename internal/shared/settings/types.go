package settings

import "crawladapter/internal/shared/types"

// 运行时模块键
const (
	ModuleSelector = "selector"
	ModuleRouting  = "routing"
	ModuleSticky   = "sticky"
)

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 当相关配置发生变更时，SettingsManager 会调用 OnSettingsUpdate。
type ConfigurableModule interface {
	// moduleKey: 发生变化的模块 (e.g., "selector", "routing")。
	// newSettings: 对应模块已解析好的配置结构体指针 (e.g., *SelectorSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型，JSON 中缺少某个模块时对应字段为 nil。
type RuntimeSettings struct {
	Selector *SelectorSettings `json:"selector"`
	Routing  *RoutingSettings  `json:"routing"`
	Sticky   *StickySettings   `json:"sticky"`
}

// SelectorSettings 对应 settings.json 中的 "selector" 模块。
type SelectorSettings struct {
	Strategy         string  `json:"strategy"` // health_weighted, round_robin, least_used, random
	HealthyThreshold float64 `json:"healthy_threshold"`
	FallbackToAll    bool    `json:"fallback_to_all"`
}

// RoutingSettings 对应 "routing" 模块。更新时整体替换规则集。
type RoutingSettings struct {
	UseDefaults bool     `json:"use_defaults"`
	Templates   []string `json:"templates"`
	Rules       []string `json:"rules"`
}

// StickySettings 对应 "sticky" 模块。
type StickySettings struct {
	Mode  string   `json:"mode"` // disabled, global, conditional
	TTL   int      `json:"ttl"`  // in seconds
	Rules []string `json:"rules"`
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Selector: &SelectorSettings{Strategy: "health_weighted", HealthyThreshold: 0.1, FallbackToAll: true},
		Routing:  &RoutingSettings{UseDefaults: true, Templates: []string{}, Rules: []string{}},
		Sticky:   &StickySettings{Mode: "disabled", TTL: 300, Rules: []string{}},
	}
}

// DefaultsFromConfig 以 ini 行为配置作为 settings.json 不存在时的初始值。
func DefaultsFromConfig(cfg *types.Config) *RuntimeSettings {
	s := createDefaultSettings()
	s.Selector.Strategy = cfg.SelectorConf.Strategy
	s.Selector.HealthyThreshold = cfg.SelectorConf.HealthyThreshold
	s.Selector.FallbackToAll = cfg.SelectorConf.FallbackToAll
	s.Routing.UseDefaults = cfg.RoutingConf.EnableDefaultRules
	s.Routing.Templates = append([]string{}, cfg.RoutingConf.Templates...)
	s.Routing.Rules = append([]string{}, cfg.RoutingConf.Rules...)
	return s
}

func ensureDefaultModules(s *RuntimeSettings) {
	d := createDefaultSettings()
	if s.Selector == nil {
		s.Selector = d.Selector
	}
	if s.Routing == nil {
		s.Routing = d.Routing
	}
	if s.Sticky == nil {
		s.Sticky = d.Sticky
	}
}
