package routing

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"crawladapter/internal/shared/logger"
	"crawladapter/internal/shared/settings"
)

// ErrInvalidRule 表示规则字符串无法解析。
var ErrInvalidRule = errors.New("invalid routing rule")

// RuleKind 是规则的三种变体。
type RuleKind int

const (
	KindIPNetwork RuleKind = iota
	KindExactDomain
	KindWildcard
)

func (k RuleKind) String() string {
	switch k {
	case KindIPNetwork:
		return "ip"
	case KindWildcard:
		return "pattern"
	default:
		return "domain"
	}
}

// Rule 是解析后的路由规则，添加后不再修改。
type Rule struct {
	Kind    RuleKind
	Raw     string
	network netip.Prefix
	domain  string
	pattern *regexp.Regexp
}

// ParseRule 将原始字符串分类:
// 含 "/" 或为裸 IP -> IP 网段; 含 "*" 或 "?" -> 通配; 其余 -> 精确域名。
func ParseRule(raw string) (Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Rule{}, fmt.Errorf("%w: empty", ErrInvalidRule)
	}

	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q: %v", ErrInvalidRule, raw, err)
		}
		return Rule{Kind: KindIPNetwork, Raw: raw, network: p.Masked()}, nil
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		addr = addr.Unmap()
		return Rule{Kind: KindIPNetwork, Raw: raw, network: netip.PrefixFrom(addr, addr.BitLen())}, nil
	}
	if strings.ContainsAny(raw, "*?") {
		re, err := compileWildcard(raw)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q: %v", ErrInvalidRule, raw, err)
		}
		return Rule{Kind: KindWildcard, Raw: raw, pattern: re}, nil
	}
	return Rule{Kind: KindExactDomain, Raw: raw, domain: strings.ToLower(raw)}, nil
}

// compileWildcard: * -> .*, ? -> . ，整体锚定且不区分大小写。
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	return regexp.Compile(`(?i)^` + escaped + `$`)
}

// RuleSet 是规则的可序列化视图。
type RuleSet struct {
	Domains  []string `json:"domains"`
	IPs      []string `json:"ips"`
	Patterns []string `json:"patterns"`
}

// Stats 是规则统计。
type Stats struct {
	DomainRules  int `json:"domain_rules"`
	IPRules      int `json:"ip_rules"`
	PatternRules int `json:"pattern_rules"`
	CacheEntries int `json:"cache_entries"`
	TotalRules   int `json:"total_rules"`
}

// DecisionObserver 在每次决策后被调用。
type DecisionObserver func(cacheHit, useProxy bool)

// Matcher 判断目标主机是否应走代理，并缓存判定结果。
type Matcher struct {
	mu       sync.RWMutex
	networks []netip.Prefix
	domains  map[string]struct{}
	patterns []Rule

	cache       *DecisionCache
	evaluations atomic.Int64
	observer    DecisionObserver
}

// NewMatcher 创建空规则集的 Matcher。cacheSize <= 0 时使用 1000。
func NewMatcher(cacheSize int) *Matcher {
	return &Matcher{
		domains: make(map[string]struct{}),
		cache:   NewDecisionCache(cacheSize),
	}
}

// SetObserver 设置决策观察者。需在并发使用前调用。
func (m *Matcher) SetObserver(o DecisionObserver) {
	m.observer = o
}

// AddRule 添加单条规则。任何规则变更都会清空决策缓存。
func (m *Matcher) AddRule(raw string) error {
	rule, err := ParseRule(raw)
	if err != nil {
		logger.Warn().Err(err).Str("rule", raw).Msg("Routing: invalid rule, skipping.")
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(rule)
	m.cache.Clear()
	return nil
}

// AddRules 批量添加，无效规则被记录并跳过，返回成功数。
func (m *Matcher) AddRules(raws []string) int {
	parsed := make([]Rule, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		rule, err := ParseRule(raw)
		if err != nil {
			logger.Warn().Err(err).Str("rule", raw).Msg("Routing: invalid rule, skipping.")
			continue
		}
		parsed = append(parsed, rule)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range parsed {
		m.addLocked(r)
	}
	m.cache.Clear()
	logger.Info().Int("added", len(parsed)).Int("requested", len(raws)).Msg("Routing rules added.")
	return len(parsed)
}

func (m *Matcher) addLocked(r Rule) {
	switch r.Kind {
	case KindIPNetwork:
		for _, p := range m.networks {
			if p == r.network {
				return
			}
		}
		m.networks = append(m.networks, r.network)
	case KindWildcard:
		for _, p := range m.patterns {
			if p.pattern.String() == r.pattern.String() {
				return
			}
		}
		m.patterns = append(m.patterns, r)
	default:
		m.domains[r.domain] = struct{}{}
	}
}

// ShouldUseProxy 判断 target (URL、host 或 host:port) 是否应走代理。
// 结果以原始输入为键缓存；主机名为空时返回 false 且不缓存。
func (m *Matcher) ShouldUseProxy(target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.cache.Get(target); ok {
		m.observe(true, v)
		return v
	}

	host := ExtractHostname(target)
	if host == "" {
		return false
	}

	result := m.evaluate(host)
	m.cache.Put(target, result)
	m.observe(false, result)
	return result
}

func (m *Matcher) observe(hit, v bool) {
	if m.observer != nil {
		m.observer(hit, v)
	}
}

// evaluate 按优先级: IP 网段 -> 精确域名 -> 逐级后缀 -> 通配。
func (m *Matcher) evaluate(host string) bool {
	m.evaluations.Add(1)

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, p := range m.networks {
			if p.Contains(addr) {
				return true
			}
		}
	}

	if _, ok := m.domains[host]; ok {
		return true
	}
	for rest := host; ; {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
		if _, ok := m.domains[rest]; ok {
			return true
		}
	}

	for _, p := range m.patterns {
		if p.pattern.MatchString(host) {
			return true
		}
	}
	return false
}

// ExtractHostname 从 URL 或主机串中取出小写主机名。
func ExtractHostname(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	var host string
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return ""
		}
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	} else {
		host = target
		if i := strings.IndexByte(host, '/'); i >= 0 {
			host = host[:i]
		}
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// Rules 返回当前规则，各类别排序。
func (m *Matcher) Rules() RuleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := RuleSet{
		Domains:  make([]string, 0, len(m.domains)),
		IPs:      make([]string, 0, len(m.networks)),
		Patterns: make([]string, 0, len(m.patterns)),
	}
	for d := range m.domains {
		rs.Domains = append(rs.Domains, d)
	}
	sort.Strings(rs.Domains)
	for _, p := range m.networks {
		rs.IPs = append(rs.IPs, p.String())
	}
	for _, p := range m.patterns {
		rs.Patterns = append(rs.Patterns, p.Raw)
	}
	return rs
}

// ClearRules 清空所有规则与缓存。
func (m *Matcher) ClearRules() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks = nil
	m.domains = make(map[string]struct{})
	m.patterns = nil
	m.cache.Clear()
	logger.Info().Msg("Cleared all routing rules.")
}

// LoadDefaultRules 加载常用的默认规则。
func (m *Matcher) LoadDefaultRules() int {
	return m.AddRules(DefaultRules)
}

// ApplyTemplate 加载一个预置模板。
func (m *Matcher) ApplyTemplate(name string) error {
	rules, ok := Templates[name]
	if !ok {
		return fmt.Errorf("unknown rule template %q", name)
	}
	m.AddRules(rules)
	return nil
}

// Statistics 返回规则与缓存统计。
func (m *Matcher) Statistics() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		DomainRules:  len(m.domains),
		IPRules:      len(m.networks),
		PatternRules: len(m.patterns),
		CacheEntries: m.cache.Len(),
	}
	s.TotalRules = s.DomainRules + s.IPRules + s.PatternRules
	return s
}

// Evaluations 返回缓存未命中时的规则求值次数。
func (m *Matcher) Evaluations() int64 {
	return m.evaluations.Load()
}

// Replace 整体替换规则集: 可选默认规则 + 模板 + 自定义规则。
func (m *Matcher) Replace(useDefaults bool, templates, rules []string) error {
	var all []string
	if useDefaults {
		all = append(all, DefaultRules...)
	}
	for _, name := range templates {
		t, ok := Templates[name]
		if !ok {
			return fmt.Errorf("unknown rule template %q", name)
		}
		all = append(all, t...)
	}
	all = append(all, rules...)

	fresh := NewMatcher(m.cache.Capacity())
	fresh.AddRules(all)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks = fresh.networks
	m.domains = fresh.domains
	m.patterns = fresh.patterns
	m.cache.Clear()
	return nil
}

// OnSettingsUpdate 实现 settings.ConfigurableModule，热替换规则集。
func (m *Matcher) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleRouting {
		return nil
	}
	cfg, ok := newSettings.(*settings.RoutingSettings)
	if !ok {
		return fmt.Errorf("routing: received incorrect settings type")
	}
	if err := m.Replace(cfg.UseDefaults, cfg.Templates, cfg.Rules); err != nil {
		return err
	}
	logger.Info().Int("total", m.Statistics().TotalRules).Msg("Routing rules reloaded.")
	return nil
}
