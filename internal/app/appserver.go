package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"crawladapter/internal/core/dispatcher"
	"crawladapter/internal/core/health"
	"crawladapter/internal/engine"
	"crawladapter/internal/metrics"
	"crawladapter/internal/routing"
	"crawladapter/internal/service/web"
	"crawladapter/internal/shared/globalstate"
	"crawladapter/internal/shared/logger"
	"crawladapter/internal/shared/settings"
	"crawladapter/internal/shared/types"
	manager "crawladapter/proxypool"
	"crawladapter/proxypool/model"
	"crawladapter/proxypool/source"
	"crawladapter/proxypool/storage"
	"crawladapter/proxypool/validator"
)

const statsInterval = 5 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	cfg       *types.Config
	iniPath   string
	configDir string

	settingsManager *settings.SettingsManager
	hub             *web.Hub
	metrics         *metrics.Registry

	engine        *engine.Client
	ingress       *engine.Ingress
	checker       *health.Checker
	selector      *dispatcher.Selector
	matcher       *routing.Matcher
	dispatcher    *dispatcher.Dispatcher
	rosterManager *manager.Manager

	webServer *http.Server

	resultsMu   sync.RWMutex
	lastResults map[string]model.HealthSample // 每个代理最近一次样本

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// AppServer 实现 web.ServerController
var _ web.ServerController = (*AppServer)(nil)

// New 按配置装配全部组件，不做任何网络操作。
func New(cfg *types.Config, iniPath string) (*AppServer, error) {
	configDir := filepath.Dir(iniPath)
	s := &AppServer{
		cfg:         cfg,
		iniPath:     iniPath,
		configDir:   configDir,
		hub:         web.NewHub(),
		metrics:     metrics.New(),
		lastResults: make(map[string]model.HealthSample),
	}

	sm, err := settings.NewSettingsManager(filepath.Join(configDir, "settings.json"), settings.DefaultsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}
	s.settingsManager = sm

	s.engine = engine.NewClient(cfg.EngineConf)
	ingress, err := engine.NewIngress(cfg.EngineConf.Ingress, time.Duration(cfg.HealthConf.RequestTimeout)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid ingress: %w", err)
	}
	s.ingress = ingress

	opts, err := healthOptions(cfg.HealthConf)
	if err != nil {
		return nil, err
	}
	s.checker = health.New(&meteredSwitcher{Switcher: s.engine, metrics: s.metrics}, ingress, opts)
	s.checker.AddObserver(s.onSample)

	var tracker *health.Tracker
	if s.checker.Strategy() == health.StrategyAdaptive {
		tracker = s.checker.Tracker()
	}
	s.selector = dispatcher.NewSelector(selectorConfig(cfg.SelectorConf), tracker, nil)
	s.selector.OnSelect(func(strategy dispatcher.Strategy, _ string) {
		s.metrics.ObserveSelection(strategy.String())
	})

	s.matcher = routing.NewMatcher(cfg.RoutingConf.CacheSize)
	s.matcher.SetObserver(s.metrics.ObserveRoute)

	initial := sm.Get()
	if err := s.selector.OnSettingsUpdate(settings.ModuleSelector, initial.Selector); err != nil {
		return nil, err
	}
	if err := s.matcher.OnSettingsUpdate(settings.ModuleRouting, initial.Routing); err != nil {
		return nil, fmt.Errorf("failed to apply routing settings: %w", err)
	}
	s.dispatcher = dispatcher.New(s.matcher, s.selector, ingress.Address(), initial.Sticky)

	// Register modules as subscribers for their settings
	sm.Register(settings.ModuleSelector, s.selector)
	sm.Register(settings.ModuleRouting, s.matcher)
	sm.Register(settings.ModuleSticky, s.dispatcher)

	s.rosterManager = s.newRosterManager()
	s.rosterManager.OnChange(s.onRosterChange)
	return s, nil
}

func (s *AppServer) newRosterManager() *manager.Manager {
	var st storage.Storage
	if s.cfg.RosterConf.SnapshotFile != "" {
		st = storage.NewFileStorage(s.resolvePath(s.cfg.RosterConf.SnapshotFile))
	}
	m := manager.NewManager(s.cfg.RosterConf, st, validator.NewValidator(), nil)
	if s.cfg.RosterConf.File != "" {
		m.AddSource(source.NewYAMLSource(s.resolvePath(s.cfg.RosterConf.File)))
	}
	if s.cfg.RosterConf.UseController {
		m.AddSource(source.NewControllerSource(s.engine))
	}
	return m
}

// resolvePath 相对路径按配置文件所在目录解析。
func (s *AppServer) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.configDir, p)
}

// Run is the server's entry point. 阻塞直到 ctx 结束，然后优雅停止。
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Str("config", s.iniPath).Msg("Starting crawl adapter...")
	globalstate.GlobalStatus.Set("Starting")

	ctx, s.cancel = context.WithCancel(ctx)

	s.warmFromSnapshot()
	s.rosterManager.Start(ctx)
	s.dispatcher.Start()

	if s.cfg.HealthConf.AutoStart {
		s.startHealthMonitoring(ctx)
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(ctx)
	}()

	s.waitGroup.Add(1)
	go s.statsLoop(ctx)

	handler := web.NewHandler(web.Deps{
		Settings:   s.settingsManager,
		Matcher:    s.matcher,
		Selector:   s.selector,
		Dispatcher: s.dispatcher,
		Checker:    s.checker,
		Controller: s,
	})
	srv, err := web.StartServer(&s.waitGroup, s.cfg.LocalConf, handler, s.hub, s.metrics.Handler())
	if err != nil {
		s.Stop()
		return err
	}
	s.webServer = srv

	globalstate.GlobalStatus.Set("Running")
	<-ctx.Done()
	s.Stop()
	return nil
}

// startHealthMonitoring 自适应策略启动后台调度；基础策略按 base_interval 周期全量检查。
func (s *AppServer) startHealthMonitoring(ctx context.Context) {
	if s.checker.Strategy() == health.StrategyAdaptive {
		if err := s.checker.StartBackground(s.selector.Roster()); err != nil {
			logger.Error().Err(err).Msg("Failed to start background health checks.")
		}
		return
	}

	interval := time.Duration(s.cfg.HealthConf.BaseInterval) * time.Second
	if interval <= 0 {
		return
	}
	s.waitGroup.Add(1)
	go s.healthCheckLoop(ctx, interval)
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		globalstate.GlobalStatus.Set("Stopping")
		s.checker.StopBackground()
		s.dispatcher.Stop()
		s.rosterManager.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := web.Shutdown(shutdownCtx, s.webServer); err != nil {
			logger.Warn().Err(err).Msg("Web server shutdown error.")
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.waitGroup.Wait()
		globalstate.GlobalStatus.Set("Stopped")
		logger.Info().Msg("Crawl adapter stopped.")
	})
}

// healthCheckLoop 基础策略下的周期检查。
func (s *AppServer) healthCheckLoop(ctx context.Context, interval time.Duration) {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunHealthCheck(ctx); err != nil {
				logger.Warn().Err(err).Msg("Periodic health check failed.")
			}
		case <-ctx.Done():
			return
		}
	}
}

// statsLoop 定期广播统计数据并刷新健康代理数指标
func (s *AppServer) statsLoop(ctx context.Context) {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.selector.Statistics()
			s.metrics.SetHealthy(stats.HealthyProxies)
			s.hub.BroadcastStatsUpdate(map[string]interface{}{
				"selector": stats,
				"routing":  s.matcher.Statistics(),
				"health":   s.LastSummary(),
			})
		case <-ctx.Done():
			return
		}
	}
}
