package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"crawladapter/internal/shared/logger"
	"crawladapter/internal/shared/types"
	"crawladapter/proxypool/model"
	"crawladapter/proxypool/source"
	"crawladapter/proxypool/storage"
	"crawladapter/proxypool/validator"
)

// RosterListener 在名册整体替换后被调用。added/removed 为名称差集。
type RosterListener func(current []model.ProxyIdentity, added, removed []string)

// Manager 是代理名册的总控制器：从各来源读取、校验、合并，并维护健康快照。
type Manager struct {
	cfg       types.RosterConf
	storage   storage.Storage
	sources   []source.Source
	validator *validator.Validator
	clock     clock.Clock

	mu          sync.RWMutex
	roster      []model.ProxyIdentity
	lastRefresh time.Time
	lastErr     error
	listeners   []RosterListener

	snapMu   sync.Mutex
	snapshot map[string]model.HealthSample // 每个代理的最后一个样本

	refreshMu sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager 创建名册管理器。st 可为 nil (不持久化快照)。
func NewManager(cfg types.RosterConf, st storage.Storage, v *validator.Validator, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if v == nil {
		v = validator.NewValidator()
	}
	return &Manager{
		cfg:       cfg,
		storage:   st,
		validator: v,
		clock:     clk,
		snapshot:  make(map[string]model.HealthSample),
		stopChan:  make(chan struct{}),
	}
}

// AddSource 添加一个名册来源。靠前的来源在同名冲突时优先。
func (m *Manager) AddSource(s source.Source) {
	m.sources = append(m.sources, s)
}

// OnChange 注册名册变更监听器。需在 Start 前调用。
func (m *Manager) OnChange(l RosterListener) {
	m.listeners = append(m.listeners, l)
}

// LoadSnapshot 从存储读取上次保存的健康快照，用于启动时预热分数。
func (m *Manager) LoadSnapshot() map[string]model.HealthSample {
	if m.storage == nil {
		return nil
	}
	l := logger.WithComponent("ProxyPool/Manager")
	samples, err := m.storage.Load()
	if err != nil {
		l.Error().Err(err).Msg("Failed to load health snapshot, starting cold.")
		return nil
	}
	m.snapMu.Lock()
	for name, s := range samples {
		m.snapshot[name] = s
	}
	m.snapMu.Unlock()
	return samples
}

// Record 更新某个代理的最后一个样本，可直接注册为健康检查观察者。
func (m *Manager) Record(name string, sample model.HealthSample) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if prev, ok := m.snapshot[name]; ok && sample.Timestamp.Before(prev.Timestamp) {
		return
	}
	m.snapshot[name] = sample
}

// SaveSnapshot 把当前名册内代理的最后样本写入存储。
func (m *Manager) SaveSnapshot() error {
	if m.storage == nil {
		return nil
	}
	names := lo.SliceToMap(m.Roster(), func(id model.ProxyIdentity) (string, struct{}) {
		return id.Name, struct{}{}
	})

	m.snapMu.Lock()
	out := make(map[string]model.HealthSample, len(m.snapshot))
	for name, s := range m.snapshot {
		if _, ok := names[name]; ok {
			out[name] = s
		}
	}
	m.snapMu.Unlock()
	return m.storage.Save(out)
}

// Start 执行首次刷新并启动周期刷新。首次刷新失败只记录日志。
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Info().Int("sources", len(m.sources)).Msg("Manager starting...")

		if _, err := m.Refresh(ctx); err != nil {
			l.Error().Err(err).Msg("Initial roster refresh failed.")
		}

		interval := time.Duration(m.cfg.RefreshInterval) * time.Second
		if interval <= 0 {
			l.Info().Msg("Periodic roster refresh disabled.")
			return
		}
		ticker := m.clock.Ticker(interval)
		l.Info().Dur("refresh_interval", interval).Msg("Roster scheduler initialized.")

		m.wg.Add(1)
		go m.schedulerLoop(ctx, ticker)
	})
}

// schedulerLoop 监听 Ticker 和停止信号。
func (m *Manager) schedulerLoop(ctx context.Context, ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()
	l := logger.WithComponent("ProxyPool/Manager")

	for {
		select {
		case <-ticker.C:
			l.Debug().Msg("Roster refresh ticker triggered.")
			if _, err := m.Refresh(ctx); err != nil {
				l.Warn().Err(err).Msg("Roster refresh failed, keeping previous roster.")
			}
		case <-ctx.Done():
			return
		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down roster scheduler.")
			return
		}
	}
}

// Stop 停止周期刷新并保存快照。可重复调用。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
		if err := m.SaveSnapshot(); err != nil {
			logger.Error().Err(err).Msg("Failed to save health snapshot on shutdown.")
		}
		logger.Info().Msg("Roster manager gracefully stopped.")
	})
}

// Refresh 从所有来源读取名册，校验、按名称合并后整体替换。
// 任一来源失败时名册保持不变并返回错误。返回新名册的大小。
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	l := logger.WithComponent("ProxyPool/Manager")

	merged, err := m.collect(ctx)
	m.mu.Lock()
	m.lastRefresh = m.clock.Now()
	m.lastErr = err
	if err != nil {
		size := len(m.roster)
		m.mu.Unlock()
		return size, err
	}
	previous := m.roster
	m.roster = merged
	m.mu.Unlock()

	if sameRoster(previous, merged) {
		l.Debug().Int("count", len(merged)).Msg("Roster unchanged.")
		return len(merged), nil
	}

	prevNames, newNames := model.Names(previous), model.Names(merged)
	removed, added := lo.Difference(prevNames, newNames)
	l.Info().Int("count", len(merged)).Int("added", len(added)).Int("removed", len(removed)).Msg("Roster replaced.")

	snapshot := append([]model.ProxyIdentity(nil), merged...)
	for _, listener := range m.listeners {
		listener(snapshot, added, removed)
	}
	return len(merged), nil
}

// collect 依次读取各来源。来源内部的非法项由校验器丢弃，跨来源同名时保留先出现的。
func (m *Manager) collect(ctx context.Context) ([]model.ProxyIdentity, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	results := make([][]model.ProxyIdentity, len(m.sources))

	var wg sync.WaitGroup
	errs := make([]error, len(m.sources))
	for i, s := range m.sources {
		wg.Add(1)
		go func(i int, s source.Source) {
			defer wg.Done()
			ids, err := s.Fetch(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("source %s: %w", s.Name(), err)
				return
			}
			valid, _ := m.validator.Validate(ids)
			results[i] = valid
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	all := lo.Flatten(results)
	merged := lo.UniqBy(all, func(id model.ProxyIdentity) string { return id.Name })
	if dropped := len(all) - len(merged); dropped > 0 {
		l.Debug().Int("duplicates", dropped).Msg("Merged duplicate names across sources, first source wins.")
	}
	return merged, nil
}

func sameRoster(a, b []model.ProxyIdentity) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Server != b[i].Server ||
			a[i].Port != b[i].Port || a[i].Protocol != b[i].Protocol {
			return false
		}
	}
	return true
}

// Roster 返回当前名册的副本。
func (m *Manager) Roster() []model.ProxyIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ProxyIdentity(nil), m.roster...)
}

// Status 汇总名册状态。
type Status struct {
	Count       int       `json:"count"`
	Sources     []string  `json:"sources"`
	LastRefresh time.Time `json:"last_refresh"`
	LastError   string    `json:"last_error,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Count:       len(m.roster),
		Sources:     lo.Map(m.sources, func(s source.Source, _ int) string { return s.Name() }),
		LastRefresh: m.lastRefresh,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
