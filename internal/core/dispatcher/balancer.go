package dispatcher

import (
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"crawladapter/proxypool/model"
)

// Strategy 是选择策略的封闭枚举。
type Strategy int

const (
	HealthWeighted Strategy = iota
	RoundRobin
	LeastUsed
	Random
)

var strategyNames = map[Strategy]string{
	HealthWeighted: "health_weighted",
	RoundRobin:     "round_robin",
	LeastUsed:      "least_used",
	Random:         "random",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return "unknown"
}

// Strategies 返回所有策略。
func Strategies() []Strategy {
	return []Strategy{HealthWeighted, RoundRobin, LeastUsed, Random}
}

// ParseStrategy 解析策略名。未知名称按兼容行为回退到 health_weighted，
// 第二个返回值为 false 以便调用方决定是否拒绝。
func ParseStrategy(name string) (Strategy, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range strategyNames {
		if n == name {
			return s, true
		}
	}
	return HealthWeighted, false
}

// ProxyState 是选择器对一个代理的当前认知。
type ProxyState struct {
	Identity    model.ProxyIdentity `json:"identity"`
	Score       float64             `json:"score"` // 最近一次探测的 overall_score
	LatencyMs   int64               `json:"latency_ms"`
	LastChecked time.Time           `json:"last_checked"`
	Healthy     bool                `json:"healthy"`
	Usage       model.UsageRecord   `json:"usage"`
}

var errNoHealthy = errors.New("no healthy candidates")

// LoadBalancer defines the interface for backend selection strategies.
// states 为名册顺序的快照，非空。
type LoadBalancer interface {
	Select(states []ProxyState) (ProxyState, error)
}

func healthySubset(states []ProxyState) []ProxyState {
	return lo.Filter(states, func(s ProxyState, _ int) bool { return s.Healthy })
}

// healthyOrAll 有健康代理时只在健康子集中选择，否则使用全部。
func healthyOrAll(states []ProxyState) []ProxyState {
	if h := healthySubset(states); len(h) > 0 {
		return h
	}
	return states
}

// HealthWeightedBalancer 按分数加权随机选择，权重 max(0.1, score)。
type HealthWeightedBalancer struct {
	FallbackToAll bool
}

func weight(s ProxyState) float64 {
	return max(0.1, s.Score)
}

func (b *HealthWeightedBalancer) Select(states []ProxyState) (ProxyState, error) {
	candidates := healthySubset(states)
	if len(candidates) == 0 {
		if !b.FallbackToAll {
			return ProxyState{}, errNoHealthy
		}
		candidates = states
	}

	total := lo.SumBy(candidates, weight)
	r := rand.Float64() * total
	var cumulative float64
	for _, c := range candidates {
		cumulative += weight(c)
		if r < cumulative {
			return c, nil
		}
	}
	// 浮点舍入落在边界时取最后一个
	return candidates[len(candidates)-1], nil
}

// RoundRobinBalancer selects backends in a sequential order.
type RoundRobinBalancer struct {
	next uint32
}

func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

func (b *RoundRobinBalancer) Select(states []ProxyState) (ProxyState, error) {
	candidates := append([]ProxyState(nil), healthyOrAll(states)...)

	// 按名称排序，保证调用之间顺序一致
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Identity.Name < candidates[j].Identity.Name
	})

	nextIndex := atomic.AddUint32(&b.next, 1) - 1
	return candidates[nextIndex%uint32(len(candidates))], nil
}

// LeastUsedBalancer 在使用次数最少的代理中随机选择一个。
type LeastUsedBalancer struct{}

func (b *LeastUsedBalancer) Select(states []ProxyState) (ProxyState, error) {
	least := lo.MinBy(states, func(a, b ProxyState) bool {
		return a.Usage.SelectionCount < b.Usage.SelectionCount
	})
	tied := lo.Filter(states, func(s ProxyState, _ int) bool {
		return s.Usage.SelectionCount == least.Usage.SelectionCount
	})
	return lo.Sample(tied), nil
}

// RandomBalancer 均匀随机选择 (有健康代理时只在健康子集中)。
type RandomBalancer struct{}

func (b *RandomBalancer) Select(states []ProxyState) (ProxyState, error) {
	return lo.Sample(healthyOrAll(states)), nil
}
