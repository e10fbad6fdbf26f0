package model

import "time"

// ProxyIdentity 是一个可被引擎激活的出口代理。Name 是唯一键。
// 名册刷新时整体替换，实例本身不被修改。
type ProxyIdentity struct {
	Name     string `json:"name"`
	Server   string `json:"server"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`         // 协议标签, e.g. "ss", "vmess", "trojan"
	Source   string `json:"source,omitempty"` // 名册来源, e.g. "file", "controller"

	// Descriptor 保存引擎相关的原始节点描述，核心逻辑不解析它。
	Descriptor map[string]any `json:"descriptor,omitempty"`
}

// HealthSample 是对一个代理的一次连通性评估结果。
type HealthSample struct {
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	LatencyMs    int64     `json:"latency_ms"`   // 从切换开始到最后一个测试完成
	Connectivity float64   `json:"connectivity"` // [0,1]
	SuccessRate  float64   `json:"success_rate"` // [0,1]
	OverallScore float64   `json:"overall_score"`
	Error        string    `json:"error,omitempty"`
}

// UsageRecord 记录一个代理被选择器选中的情况。
type UsageRecord struct {
	SelectionCount int64     `json:"selection_count"`
	LastSelected   time.Time `json:"last_selected"`
}

// Names 返回名册中代理的名称，保持原有顺序。
func Names(ids []ProxyIdentity) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id.Name)
	}
	return names
}

// FailedSample 构造一个失败样本。
func FailedSample(at time.Time, latencyMs int64, reason string) HealthSample {
	return HealthSample{
		Timestamp: at,
		LatencyMs: latencyMs,
		Error:     reason,
	}
}
