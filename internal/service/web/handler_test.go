package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawladapter/internal/core/dispatcher"
	"crawladapter/internal/core/health"
	"crawladapter/internal/metrics"
	"crawladapter/internal/routing"
	"crawladapter/internal/shared/settings"
	"crawladapter/internal/shared/types"
	manager "crawladapter/proxypool"
	"crawladapter/proxypool/model"
)

type fakeController struct {
	switched   []string
	sample     model.HealthSample
	switchErr  error
	summary    health.Summary
	versionErr error
}

func (f *fakeController) SwitchProxy(ctx context.Context, name, strategy string) (model.ProxyIdentity, model.HealthSample, error) {
	if f.switchErr != nil {
		return model.ProxyIdentity{}, model.HealthSample{}, f.switchErr
	}
	f.switched = append(f.switched, name+"/"+strategy)
	return model.ProxyIdentity{Name: name}, f.sample, nil
}

func (f *fakeController) RunHealthCheck(ctx context.Context) (health.Summary, error) {
	return f.summary, nil
}

func (f *fakeController) RosterStatus() manager.Status {
	return manager.Status{Count: 2, Sources: []string{"file"}}
}

func (f *fakeController) EngineVersion(ctx context.Context) (string, error) {
	if f.versionErr != nil {
		return "", f.versionErr
	}
	return "v1.18.0", nil
}

type fixture struct {
	mux        http.Handler
	ctrl       *fakeController
	selector   *dispatcher.Selector
	matcher    *routing.Matcher
	settings   *settings.SettingsManager
	dispatcher *dispatcher.Dispatcher
}

func newFixture(t *testing.T, local types.LocalConf) *fixture {
	t.Helper()
	clk := clock.NewMock()

	sm, err := settings.NewSettingsManager(filepath.Join(t.TempDir(), "settings.json"), nil)
	require.NoError(t, err)
	require.NoError(t, sm.UpdateSync(settings.ModuleRouting, []byte(`{"use_defaults":false,"rules":["example.org"]}`)))

	matcher := routing.NewMatcher(100)
	require.NoError(t, matcher.Replace(false, nil, []string{"example.org"}))
	sm.Register(settings.ModuleRouting, matcher)

	sel := dispatcher.NewSelector(dispatcher.SelectorConfig{Strategy: dispatcher.RoundRobin, HealthyThreshold: 0.1, FallbackToAll: true}, nil, clk)
	sel.SetRoster([]model.ProxyIdentity{{Name: "hk-01", Protocol: "ss"}, {Name: "jp-02", Protocol: "vmess"}})
	sel.UpdateHealth(map[string]model.HealthSample{"hk-01": {Timestamp: clk.Now(), Success: true, OverallScore: 0.9}})
	sm.Register(settings.ModuleSelector, sel)

	disp := dispatcher.New(matcher, sel, "http://127.0.0.1:7890", nil)
	checker := health.New(nil, nil, health.Options{Strategy: health.StrategyAdaptive, Clock: clk})
	ctrl := &fakeController{}

	h := NewHandler(Deps{
		Settings:   sm,
		Matcher:    matcher,
		Selector:   sel,
		Dispatcher: disp,
		Checker:    checker,
		Controller: ctrl,
	})
	return &fixture{
		mux:        NewMux(local, h, NewHub(), metrics.New().Handler()),
		ctrl:       ctrl,
		selector:   sel,
		matcher:    matcher,
		settings:   sm,
		dispatcher: disp,
	}
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t, types.LocalConf{WebUser: "u", WebPassword: "p"})
	rec, out := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code, "status is public")
	assert.Equal(t, "v1.18.0", out["engine_version"])
	assert.Equal(t, "adaptive", out["health_strategy"])
	assert.Equal(t, "round_robin", out["selector_strategy"])

	rec, _ = f.do(t, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, types.LocalConf{WebUser: "u", WebPassword: "p"})

	rec, _ := f.do(t, http.MethodGet, "/api/proxies", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/proxies", nil)
	req.SetBasicAuth("u", "p")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleProxies(t *testing.T) {
	f := newFixture(t, types.LocalConf{})
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxies", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var views []ProxyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "hk-01", views[0].Identity.Name)
	assert.True(t, views[0].Healthy)
	assert.False(t, views[1].Healthy)
}

func TestHandleSelect(t *testing.T) {
	f := newFixture(t, types.LocalConf{})

	rec, out := f.do(t, http.MethodGet, "/api/select?strategy=health_weighted", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "health_weighted", out["strategy"])
	assert.Equal(t, "hk-01", out["proxy"].(map[string]interface{})["name"])

	rec, _ = f.do(t, http.MethodGet, "/api/select?strategy=fastest", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.selector.SetRoster(nil)
	rec, _ = f.do(t, http.MethodGet, "/api/select", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleRoute(t *testing.T) {
	f := newFixture(t, types.LocalConf{})

	rec, out := f.do(t, http.MethodGet, "/api/route?target=https://example.org/page", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["use_proxy"])
	assert.Equal(t, "selector", out["matched_by"])
	assert.Equal(t, "http://127.0.0.1:7890", out["ingress"])

	rec, out = f.do(t, http.MethodGet, "/api/route?target=intranet.local", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["use_proxy"])

	rec, _ = f.do(t, http.MethodGet, "/api/route", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/route?target=example.org&strategy=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRules_AddListClear(t *testing.T) {
	f := newFixture(t, types.LocalConf{})

	rec, out := f.do(t, http.MethodPost, "/api/rules", `{"rules":["10.0.0.0/8","*.shop.io"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, out["stats"].(map[string]interface{})["total_rules"])
	assert.True(t, f.matcher.ShouldUseProxy("cart.shop.io"))
	assert.Equal(t, []string{"example.org", "10.0.0.0/8", "*.shop.io"}, f.settings.Get().Routing.Rules)

	// 批量中的无效规则被跳过，有效规则照常生效
	rec, out = f.do(t, http.MethodPost, "/api/rules", `{"rules":["good.example.net","10.0.0.0/33"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"10.0.0.0/33"}, out["invalid"])
	assert.True(t, f.matcher.ShouldUseProxy("good.example.net"))
	assert.Equal(t, []string{"example.org", "10.0.0.0/8", "*.shop.io", "good.example.net"}, f.settings.Get().Routing.Rules)

	rec, out = f.do(t, http.MethodPost, "/api/rules", `{"rules":["10.0.0.0/33"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"10.0.0.0/33"}, out["invalid"])
	assert.Len(t, f.settings.Get().Routing.Rules, 4)

	rec, _ = f.do(t, http.MethodPost, "/api/rules", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = f.do(t, http.MethodGet, "/api/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out, "templates")

	rec, _ = f.do(t, http.MethodDelete, "/api/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.matcher.Statistics().TotalRules)
	assert.False(t, f.matcher.ShouldUseProxy("example.org"))
}

func TestHandleLoadDefaults(t *testing.T) {
	f := newFixture(t, types.LocalConf{})

	rec, _ := f.do(t, http.MethodPost, "/api/rules/defaults", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.settings.Get().Routing.UseDefaults)
	assert.Greater(t, f.matcher.Statistics().TotalRules, 1)

	rec, _ = f.do(t, http.MethodPost, "/api/rules/defaults?template=news_scraping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"news_scraping"}, f.settings.Get().Routing.Templates)

	rec, _ = f.do(t, http.MethodPost, "/api/rules/defaults?template=nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSwitch(t *testing.T) {
	f := newFixture(t, types.LocalConf{})
	f.ctrl.sample = model.HealthSample{Timestamp: time.Now(), Success: true, OverallScore: 1}

	rec, out := f.do(t, http.MethodPost, "/api/switch?name=hk-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"hk-01/"}, f.ctrl.switched)
	assert.Equal(t, true, out["sample"].(map[string]interface{})["success"])

	f.ctrl.sample = model.FailedSample(time.Now(), 10, "switch failed")
	rec, _ = f.do(t, http.MethodPost, "/api/switch?strategy=random", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/switch?strategy=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.ctrl.switchErr = dispatcher.ErrUnknownProxy
	rec, _ = f.do(t, http.MethodPost, "/api/switch?name=ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/switch?name=hk-01", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, types.LocalConf{})
	f.ctrl.summary = health.Summary{Total: 2, Healthy: 1, Failed: 1, HealthRate: 0.5}

	rec, out := f.do(t, http.MethodPost, "/api/health/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, out["total_proxies"])

	rec, out = f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "adaptive", out["strategy"])
	assert.Equal(t, false, out["background_running"])
}

func TestHandleSettings(t *testing.T) {
	f := newFixture(t, types.LocalConf{})

	rec, out := f.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out, "selector")

	rec, _ = f.do(t, http.MethodPost, "/api/settings/selector", `{"strategy":"least_used"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dispatcher.LeastUsed, f.selector.Strategy())

	rec, _ = f.do(t, http.MethodPost, "/api/settings/unknown", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/settings/selector", `{bad`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatsAndMetrics(t *testing.T) {
	f := newFixture(t, types.LocalConf{})
	_, err := f.dispatcher.Dispatch(context.Background(), "example.org", "")
	require.NoError(t, err)

	rec, out := f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"example.org"}, out["recent_targets"])

	rec, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
