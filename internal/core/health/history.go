package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"crawladapter/proxypool/model"
)

// HealthState 是由历史推导出的健康等级，按严重程度全序。
type HealthState int

const (
	StateUnknown HealthState = iota
	StateCritical
	StatePoor
	StateFair
	StateGood
	StateExcellent
)

func (s HealthState) String() string {
	switch s {
	case StateCritical:
		return "critical"
	case StatePoor:
		return "poor"
	case StateFair:
		return "fair"
	case StateGood:
		return "good"
	case StateExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// MarshalText 让状态在 JSON 中以名称出现。
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	minSamplesForStability = 3
	stabilityWindow        = 10
	defaultStability       = 0.5
)

// TrackerConfig 控制滚动窗口的大小。
type TrackerConfig struct {
	WindowSize int
	MaxAge     time.Duration
}

type scoreEntry struct {
	at    time.Time
	score float64
}

type history struct {
	entries    []scoreEntry
	checkCount int
	lastCheck  time.Time
	average    float64
	stability  float64
	state      HealthState
}

// HistoryInfo 是单个代理历史的只读视图。
type HistoryInfo struct {
	State        HealthState `json:"state"`
	AverageScore float64     `json:"average_score"`
	Stability    float64     `json:"stability"`
	CheckCount   int         `json:"check_count"`
	LastCheck    time.Time   `json:"last_check"`
	RecentScores []float64   `json:"recent_scores"`
}

// Tracker 维护每个代理有界的分数历史。
type Tracker struct {
	mu        sync.RWMutex
	cfg       TrackerConfig
	clock     clock.Clock
	histories map[string]*history
}

func NewTracker(cfg TrackerConfig, clk clock.Clock) *Tracker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		cfg:       cfg,
		clock:     clk,
		histories: make(map[string]*history),
	}
}

// AddSample 以当前时间追加一个分数。
func (t *Tracker) AddSample(name string, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(name, score, t.clock.Now())
}

// Record 追加一个探测样本。样本时间不晚于上次记录时忽略，
// 同一个样本从多个路径 (CheckAll, 调度器, 选择器) 到达时只计一次。
func (t *Tracker) Record(name string, s model.HealthSample) bool {
	at := s.Timestamp
	if at.IsZero() {
		at = t.clock.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.histories[name]; ok && !at.After(h.lastCheck) {
		return false
	}
	t.addLocked(name, s.OverallScore, at)
	return true
}

func (t *Tracker) addLocked(name string, score float64, at time.Time) {
	h, ok := t.histories[name]
	if !ok {
		h = &history{}
		t.histories[name] = h
	}
	h.entries = append(h.entries, scoreEntry{at: at, score: clamp01(score)})
	if len(h.entries) > t.cfg.WindowSize {
		h.entries = h.entries[len(h.entries)-t.cfg.WindowSize:]
	}
	if t.cfg.MaxAge > 0 {
		cutoff := t.clock.Now().Add(-t.cfg.MaxAge)
		i := 0
		for i < len(h.entries)-1 && h.entries[i].at.Before(cutoff) {
			i++
		}
		h.entries = h.entries[i:]
	}
	h.lastCheck = at
	h.checkCount++

	scores := h.scores()
	h.average = mean(scores)
	h.stability = stability(scores)
	h.state = classify(len(scores), h.average, h.stability)
}

func (h *history) scores() []float64 {
	out := make([]float64, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.score
	}
	return out
}

// Classify 返回代理当前的健康等级。
func (t *Tracker) Classify(name string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.histories[name]; ok {
		return h.state
	}
	return StateUnknown
}

func (t *Tracker) AverageScore(name string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.histories[name]; ok {
		return h.average
	}
	return 0
}

func (t *Tracker) Stability(name string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.histories[name]; ok {
		return h.stability
	}
	return 0
}

// Info 返回代理的历史摘要，最近分数最多 5 个。
func (t *Tracker) Info(name string) (HistoryInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.histories[name]
	if !ok {
		return HistoryInfo{State: StateUnknown, RecentScores: []float64{}}, false
	}
	return h.info(), true
}

// All 返回所有被追踪代理的历史摘要。
func (t *Tracker) All() map[string]HistoryInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]HistoryInfo, len(t.histories))
	for name, h := range t.histories {
		out[name] = h.info()
	}
	return out
}

// Names 返回被追踪的代理名称 (排序)。
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.histories))
	for name := range t.histories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Retain 丢弃不在名册中的代理历史。
func (t *Tracker) Retain(names []string) {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for name := range t.histories {
		if _, ok := keep[name]; !ok {
			delete(t.histories, name)
		}
	}
}

func (h *history) info() HistoryInfo {
	scores := h.scores()
	recent := scores
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	return HistoryInfo{
		State:        h.state,
		AverageScore: h.average,
		Stability:    h.stability,
		CheckCount:   h.checkCount,
		LastCheck:    h.lastCheck,
		RecentScores: append([]float64{}, recent...),
	}
}

// classify 根据平均分与稳定性判定等级，每次都完整重算。
func classify(samples int, avg, stab float64) HealthState {
	switch {
	case samples == 0:
		return StateUnknown
	case avg > 0.9 && stab > 0.8:
		return StateExcellent
	case avg > 0.7 && stab > 0.6:
		return StateGood
	case avg > 0.5:
		return StateFair
	case avg > 0.3:
		return StatePoor
	default:
		return StateCritical
	}
}

// stability = max(0, 1 - CV)，CV 取最近至多 10 个样本的总体标准差/均值。
func stability(scores []float64) float64 {
	if len(scores) < minSamplesForStability {
		return defaultStability
	}
	if len(scores) > stabilityWindow {
		scores = scores[len(scores)-stabilityWindow:]
	}
	m := mean(scores)
	if m == 0 {
		return 0
	}
	var variance float64
	for _, s := range scores {
		variance += (s - m) * (s - m)
	}
	variance /= float64(len(scores))
	cv := math.Sqrt(variance) / m
	return clamp01(1 - cv)
}

func mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
