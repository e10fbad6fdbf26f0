package globalstate

import (
	"sync"
	"time"
)

// StatusManager 管理进程级的运行状态，供管理接口展示。
type StatusManager struct {
	mu        sync.RWMutex
	status    string
	changedAt time.Time
}

// 全局的状态管理器实例
var GlobalStatus = &StatusManager{status: "Initializing...", changedAt: time.Now()}

// Set 方法用于安全地更新状态。
func (sm *StatusManager) Set(newStatus string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.status != newStatus {
		sm.status = newStatus
		sm.changedAt = time.Now()
	}
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// Since 返回当前状态持续的时间。
func (sm *StatusManager) Since() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return time.Since(sm.changedAt)
}
