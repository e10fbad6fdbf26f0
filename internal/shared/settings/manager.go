package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// SettingsManager 是运行时配置的核心管理器。
// 它使用原子快照和发布/订阅模式来处理配置的读取和热重载。
type SettingsManager struct {
	filePath    string
	defaults    *RuntimeSettings
	settings    atomic.Value // *RuntimeSettings
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 保护 subscribers 和文件写入
}

// NewSettingsManager 创建并初始化一个新的配置管理器。
// filePath 为空时只在内存中工作；文件不存在时以 defaults 创建它 (defaults 为 nil 时使用内置默认值)。
func NewSettingsManager(filePath string, defaults *RuntimeSettings) (*SettingsManager, error) {
	if defaults == nil {
		defaults = createDefaultSettings()
	}
	sm := &SettingsManager{
		filePath:    filePath,
		defaults:    defaults,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(deepCopy(defaults))
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}

	return sm, nil
}

// load 从磁盘加载 settings.json 文件。
func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings = deepCopy(sm.defaults)
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		ensureDefaultModules(settings)
	}

	sm.settings.Store(settings)
	return nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前运行时配置的一个快照。无锁。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Update 接收一个模块的原始JSON数据，更新内存中的配置、持久化到磁盘，并异步通知订阅者。
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	target, err := sm.apply(moduleKey, newSettingsData)
	if err != nil {
		return err
	}
	go sm.notify(moduleKey, target)
	return nil
}

// UpdateSync 与 Update 相同，但同步通知订阅者并返回第一个错误。
func (sm *SettingsManager) UpdateSync(moduleKey string, newSettingsData json.RawMessage) error {
	target, err := sm.apply(moduleKey, newSettingsData)
	if err != nil {
		return err
	}
	return sm.notify(moduleKey, target)
}

func (sm *SettingsManager) apply(moduleKey string, data json.RawMessage) (interface{}, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// 深拷贝当前配置，避免修改正在被读取的快照
	newSettings := deepCopy(sm.Get())

	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return nil, fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(data, targetModule); err != nil {
		return nil, fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}

	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return nil, fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	sm.settings.Store(newSettings)
	return targetModule, nil
}

// persist 将完整的配置结构体写入到 settings.json 文件。
func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

// notify 通知所有订阅了指定模块的模块。
func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) error {
	sm.mu.RLock()
	subscribers := append([]ConfigurableModule(nil), sm.subscribers[moduleKey]...)
	sm.mu.RUnlock()

	var firstErr error
	log.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
	for _, sub := range subscribers {
		if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
			log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Selector != nil {
		c := *s.Selector
		newS.Selector = &c
	}
	if s.Routing != nil {
		c := *s.Routing
		c.Templates = append([]string{}, s.Routing.Templates...)
		c.Rules = append([]string{}, s.Routing.Rules...)
		newS.Routing = &c
	}
	if s.Sticky != nil {
		c := *s.Sticky
		c.Rules = append([]string{}, s.Sticky.Rules...)
		newS.Sticky = &c
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case ModuleSelector:
		return s.Selector
	case ModuleRouting:
		return s.Routing
	case ModuleSticky:
		return s.Sticky
	default:
		return nil
	}
}
