package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"crawladapter/proxypool/model"
)

// mockEngine 同时实现 Switcher 和 Tester，并统计调用次数。
type mockEngine struct {
	mu       sync.Mutex
	active   string
	reject   map[string]bool
	statuses map[string]int // target -> status, 缺省 204
	failing  map[string]bool
	delay    time.Duration

	switches   int32
	tests      int32
	violations int32
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		reject:   map[string]bool{},
		statuses: map[string]int{},
		failing:  map[string]bool{},
	}
}

func (m *mockEngine) SwitchActiveProxy(ctx context.Context, name string) bool {
	atomic.AddInt32(&m.switches, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject[name] {
		return false
	}
	m.active = name
	return true
}

func (m *mockEngine) Test(ctx context.Context, target string) (int, error) {
	atomic.AddInt32(&m.tests, 1)
	m.mu.Lock()
	before := m.active
	status, ok := m.statuses[target]
	failing := m.failing[target]
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	if m.active != before {
		atomic.AddInt32(&m.violations, 1)
	}
	m.mu.Unlock()

	if failing {
		return 0, errors.New("connection refused")
	}
	if !ok {
		status = http.StatusNoContent
	}
	return status, nil
}

func (m *mockEngine) switchCount() int    { return int(atomic.LoadInt32(&m.switches)) }
func (m *mockEngine) testCount() int      { return int(atomic.LoadInt32(&m.tests)) }
func (m *mockEngine) violationCount() int { return int(atomic.LoadInt32(&m.violations)) }

var testTargets = []string{"http://a.test/ip", "http://b.test/generate_204", "https://c.test/generate_204"}

func identities(names ...string) []model.ProxyIdentity {
	out := make([]model.ProxyIdentity, 0, len(names))
	for i, n := range names {
		out = append(out, model.ProxyIdentity{Name: n, Server: "10.0.0.1", Port: 8000 + i, Protocol: "ss"})
	}
	return out
}
