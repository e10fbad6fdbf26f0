package dispatcher

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"crawladapter/internal/shared/settings"
)

const (
	stickyDisabled    = "disabled"
	stickyGlobal      = "global"
	stickyConditional = "conditional"
)

// StickyRecord 存储粘性会话的映射记录。
type StickyRecord struct {
	Proxy  string    `json:"proxy"`
	Expiry time.Time `json:"expiry"`
}

// StickyManager 负责管理 目标主机 -> 代理 的粘性映射，
// 让同一站点的连续请求尽量使用同一个出口。
type StickyManager struct {
	mu           sync.Mutex
	sessionCache sync.Map // key (host) -> *StickyRecord
	ttl          time.Duration
	mode         string
	ruleMatchers []func(string) bool
	clock        clock.Clock
	cleanupStop  chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
}

// NewStickyManager 创建一个新的粘性会话管理器。
func NewStickyManager(cfg *settings.StickySettings, clk clock.Clock) *StickyManager {
	if clk == nil {
		clk = clock.New()
	}
	var matchers []func(string) bool
	if cfg != nil {
		for _, rule := range cfg.Rules {
			rule = strings.TrimSpace(rule)
			if rule == "" {
				continue
			}
			if strings.Contains(rule, "*") {
				pattern := strings.ReplaceAll(regexp.QuoteMeta(rule), `\*`, ".*")
				if re, err := regexp.Compile("(?i)^" + pattern + "$"); err == nil {
					matchers = append(matchers, re.MatchString)
					continue
				}
			}
			lowerRule := strings.ToLower(rule)
			matchers = append(matchers, func(host string) bool {
				host = strings.ToLower(host)
				return host == lowerRule || strings.HasSuffix(host, "."+lowerRule)
			})
		}
	}

	mode := stickyDisabled
	ttl := 0
	if cfg != nil {
		mode = cfg.Mode
		ttl = cfg.TTL
	}

	return &StickyManager{
		ttl:          time.Duration(ttl) * time.Second,
		mode:         mode,
		ruleMatchers: matchers,
		clock:        clk,
		cleanupStop:  make(chan struct{}),
	}
}

func (sm *StickyManager) enabled() bool {
	return sm.ttl > 0 && (sm.mode == stickyGlobal || sm.mode == stickyConditional)
}

// ShouldApply 根据当前模式和目标主机，决定是否应用粘性会话。
func (sm *StickyManager) ShouldApply(targetHost string) bool {
	if !sm.enabled() {
		return false
	}
	if sm.mode == stickyGlobal {
		return true
	}
	for _, matcher := range sm.ruleMatchers {
		if matcher(targetHost) {
			return true
		}
	}
	return false
}

// Get 查找一个有效的粘性记录。记录未过期且 valid(proxy) 为真时续期并返回，
// 否则删除该记录并返回 nil。
func (sm *StickyManager) Get(host string, valid func(proxy string) bool) *StickyRecord {
	if !sm.enabled() {
		return nil
	}
	value, ok := sm.sessionCache.Load(host)
	if !ok {
		return nil
	}
	record := value.(*StickyRecord)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := sm.clock.Now()
	if now.After(record.Expiry) {
		sm.sessionCache.Delete(host)
		return nil
	}
	if !valid(record.Proxy) {
		log.Debug().Str("host", host).Str("proxy", record.Proxy).Msg("StickyManager: cached proxy no longer healthy, dropping.")
		sm.sessionCache.Delete(host)
		return nil
	}
	record.Expiry = now.Add(sm.ttl)
	return &StickyRecord{Proxy: record.Proxy, Expiry: record.Expiry}
}

// Set 添加或更新一条粘性记录。
func (sm *StickyManager) Set(host, proxy string) {
	if !sm.enabled() {
		return
	}
	sm.sessionCache.Store(host, &StickyRecord{
		Proxy:  proxy,
		Expiry: sm.clock.Now().Add(sm.ttl),
	})
}

// Entries 返回所有未过期的记录。
func (sm *StickyManager) Entries() map[string]StickyRecord {
	out := make(map[string]StickyRecord)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := sm.clock.Now()
	sm.sessionCache.Range(func(key, value interface{}) bool {
		record := value.(*StickyRecord)
		if !now.After(record.Expiry) {
			out[key.(string)] = *record
		}
		return true
	})
	return out
}

// Start 启动后台清理goroutine。
func (sm *StickyManager) Start() {
	if !sm.enabled() {
		return
	}
	sm.startOnce.Do(func() {
		ticker := sm.clock.Ticker(60 * time.Second)
		go func() {
			for {
				select {
				case <-ticker.C:
					sm.cleanup()
				case <-sm.cleanupStop:
					ticker.Stop()
					return
				}
			}
		}()
	})
}

// Stop 停止后台清理goroutine。可重复调用。
func (sm *StickyManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.cleanupStop)
	})
}

// cleanup 移除所有过期的记录。
func (sm *StickyManager) cleanup() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := sm.clock.Now()
	sm.sessionCache.Range(func(key, value interface{}) bool {
		if now.After(value.(*StickyRecord).Expiry) {
			sm.sessionCache.Delete(key)
		}
		return true
	})
}
