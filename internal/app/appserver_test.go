package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawladapter/internal/core/dispatcher"
	"crawladapter/internal/shared/globalstate"
	"crawladapter/internal/shared/types"
	"crawladapter/proxypool/model"
)

const rosterYAML = `proxies:
  - name: hk-01
    type: ss
    server: hk1.example.net
    port: 8388
  - name: jp-01
    type: vmess
    server: jp1.example.net
    port: 443
`

// fakeController 模拟 Clash 控制器，记录切换次数与当前活动代理。
type fakeController struct {
	switches atomic.Int32
	reject   bool

	mu     sync.Mutex
	active string
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/proxies/PROXY":
		f.switches.Add(1)
		if f.reject {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.active = body["name"]
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/proxies/PROXY":
		f.mu.Lock()
		now := f.active
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name": "PROXY", "type": "Selector", "now": now, "all": []string{"hk-01", "jp-01", "DIRECT"},
		})
	case r.Method == http.MethodGet && r.URL.Path == "/version":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"v1.18.0"}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestServer(t *testing.T, ctrl *fakeController) *AppServer {
	t.Helper()

	controller := httptest.NewServer(ctrl)
	t.Cleanup(controller.Close)
	// 作为 HTTP 入口：任何经由代理的请求都返回 204
	ingress := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ingress.Close)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxies.yaml"), []byte(rosterYAML), 0o644))

	cfg := types.DefaultConfig()
	cfg.EngineConf.APIBase = controller.URL
	cfg.EngineConf.Ingress = ingress.URL
	cfg.EngineConf.RetryCount = 0
	cfg.HealthConf.TestURLs = []string{"http://probe.test/generate_204", "http://probe.test/ip"}
	cfg.HealthConf.Timeout = 5
	cfg.HealthConf.RequestTimeout = 2
	cfg.HealthConf.AutoStart = false
	cfg.RosterConf.RefreshInterval = 0
	cfg.RosterConf.SnapshotFile = "snapshot.txt"
	cfg.LocalConf.WebPort = 0

	s, err := New(cfg, filepath.Join(dir, "crawladapter.ini"))
	require.NoError(t, err)
	return s
}

func TestNew_RejectsUnknownHealthStrategy(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.HealthConf.Strategy = "aggressive"
	_, err := New(cfg, filepath.Join(t.TempDir(), "crawladapter.ini"))
	assert.Error(t, err)
}

func TestRosterRefresh_PropagatesToSelector(t *testing.T) {
	s := newTestServer(t, &fakeController{})

	n, err := s.rosterManager.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"hk-01", "jp-01"}, model.Names(s.selector.Roster()))
	assert.Equal(t, 2, s.RosterStatus().Count)
	assert.Equal(t, float64(2), s.metrics.Value("active_proxies"))
}

func TestRunHealthCheck_AllHealthy(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(t, ctrl)
	_, err := s.rosterManager.Refresh(context.Background())
	require.NoError(t, err)

	summary, err := s.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Healthy)
	assert.Equal(t, int32(2), ctrl.switches.Load())

	assert.True(t, s.selector.IsHealthy("hk-01"))
	assert.True(t, s.selector.IsHealthy("jp-01"))
	assert.Equal(t, float64(2), s.metrics.Value("health_checks_total", "success"))
	assert.Equal(t, 2, s.LastSummary().Healthy)
	assert.FileExists(t, filepath.Join(s.configDir, "snapshot.txt"))
}

func TestRunHealthCheck_SwitchRejected(t *testing.T) {
	s := newTestServer(t, &fakeController{reject: true})
	_, err := s.rosterManager.Refresh(context.Background())
	require.NoError(t, err)

	summary, err := s.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Healthy)
	assert.Equal(t, 2, summary.Failed)
	assert.False(t, s.selector.IsHealthy("hk-01"))
	assert.Equal(t, float64(2), s.metrics.Value("proxy_switches_total", "failure"))
}

func TestRunHealthCheck_EmptyRoster(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	summary, err := s.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestSwitchProxy(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(t, ctrl)
	_, err := s.rosterManager.Refresh(context.Background())
	require.NoError(t, err)

	id, sample, err := s.SwitchProxy(context.Background(), "jp-01", "")
	require.NoError(t, err)
	assert.Equal(t, "jp-01", id.Name)
	assert.True(t, sample.Success)
	assert.Equal(t, 1.0, sample.OverallScore)
	assert.Equal(t, int32(1), ctrl.switches.Load())

	info, ok := s.checker.Tracker().Info("jp-01")
	require.True(t, ok)
	assert.Equal(t, 1, info.CheckCount)

	_, _, err = s.SwitchProxy(context.Background(), "missing", "")
	assert.ErrorIs(t, err, dispatcher.ErrUnknownProxy)

	// 按策略选择时跳过引擎当前的活动代理
	id, _, err = s.SwitchProxy(context.Background(), "", "round_robin")
	require.NoError(t, err)
	assert.Equal(t, "hk-01", id.Name)
	id, _, err = s.SwitchProxy(context.Background(), "", "random")
	require.NoError(t, err)
	assert.Equal(t, "jp-01", id.Name)
}

func TestWarmFromSnapshot(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	_, err := s.rosterManager.Refresh(context.Background())
	require.NoError(t, err)
	_, err = s.RunHealthCheck(context.Background())
	require.NoError(t, err)

	// 新实例读取同一目录下的快照
	cfg := *s.cfg
	restarted, err := New(&cfg, s.iniPath)
	require.NoError(t, err)
	_, err = restarted.rosterManager.Refresh(context.Background())
	require.NoError(t, err)
	restarted.warmFromSnapshot()

	assert.True(t, restarted.selector.IsHealthy("hk-01"))
	assert.Equal(t, 2, restarted.LastSummary().Healthy)
}

func TestEngineVersion(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	v, err := s.EngineVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.18.0", v)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return globalstate.GlobalStatus.Get() == "Running"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, s.selector.Roster(), 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, "Stopped", globalstate.GlobalStatus.Get())
}
