package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"crawladapter/internal/core/dispatcher"
	"crawladapter/internal/core/health"
	"crawladapter/internal/routing"
	"crawladapter/internal/shared/globalstate"
	"crawladapter/internal/shared/logger"
	"crawladapter/internal/shared/settings"
	manager "crawladapter/proxypool"
	"crawladapter/proxypool/model"
)

// ServerController defines the interface that the web handler uses to interact with the AppServer.
// This decouples the web package from the app package.
type ServerController interface {
	// SwitchProxy 切换到 name 指定的代理 (为空时按 strategy 选择) 并立即探测。
	SwitchProxy(ctx context.Context, name, strategy string) (model.ProxyIdentity, model.HealthSample, error)
	RunHealthCheck(ctx context.Context) (health.Summary, error)
	RosterStatus() manager.Status
	EngineVersion(ctx context.Context) (string, error)
}

// Deps 汇总处理器需要的组件。
type Deps struct {
	Settings   *settings.SettingsManager
	Matcher    *routing.Matcher
	Selector   *dispatcher.Selector
	Dispatcher *dispatcher.Dispatcher
	Checker    *health.Checker
	Controller ServerController
}

type Handler struct {
	Deps
}

func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

// StatusReport 是 /api/status 的响应。
type StatusReport struct {
	Status            string           `json:"status"`
	StatusSince       string           `json:"status_since"`
	EngineVersion     string           `json:"engine_version,omitempty"`
	EngineError       string           `json:"engine_error,omitempty"`
	HealthStrategy    string           `json:"health_strategy"`
	BackgroundRunning bool             `json:"background_running"`
	SelectorStrategy  string           `json:"selector_strategy"`
	Roster            manager.Status   `json:"roster"`
	Selector          dispatcher.Stats `json:"selector"`
}

// ProxyView 是 /api/proxies 中的单个条目。
type ProxyView struct {
	dispatcher.ProxyState
	History   *health.HistoryInfo `json:"history,omitempty"`
	NextCheck *time.Time          `json:"next_check,omitempty"`
}

type rulesRequest struct {
	Rules []string `json:"rules"`
}

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("WebServer: failed to encode response.")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	if lo.Contains(methods, r.Method) {
		return true
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

// parseStrategy 空字符串返回默认策略；未知名称返回 false。
func (h *Handler) parseStrategy(name string) (dispatcher.Strategy, bool) {
	if name == "" {
		return h.Selector.Strategy(), true
	}
	return dispatcher.ParseStrategy(name)
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	report := StatusReport{
		Status:            globalstate.GlobalStatus.Get(),
		StatusSince:       globalstate.GlobalStatus.Since().Truncate(time.Second).String(),
		HealthStrategy:    h.Checker.Strategy().String(),
		BackgroundRunning: h.Checker.BackgroundRunning(),
		SelectorStrategy:  h.Selector.Strategy().String(),
		Roster:            h.Controller.RosterStatus(),
		Selector:          h.Selector.Statistics(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if version, err := h.Controller.EngineVersion(ctx); err != nil {
		report.EngineError = err.Error()
	} else {
		report.EngineVersion = version
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleProxies 处理 GET /api/proxies
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	history := h.Checker.AllInfo()
	next := h.Checker.NextChecks()

	views := lo.Map(h.Selector.States(), func(st dispatcher.ProxyState, _ int) ProxyView {
		v := ProxyView{ProxyState: st}
		if info, ok := history[st.Identity.Name]; ok {
			v.History = &info
		}
		if at, ok := next[st.Identity.Name]; ok {
			v.NextCheck = &at
		}
		return v
	})
	writeJSON(w, http.StatusOK, views)
}

// HandleStats 处理 GET /api/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"selector":       h.Selector.Statistics(),
		"routing":        h.Matcher.Statistics(),
		"recent_targets": h.Dispatcher.RecentTargets(),
		"sticky":         h.Dispatcher.StickyEntries(),
	})
}

// HandleHealth 处理 GET /api/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy":           h.Checker.Strategy().String(),
		"background_running": h.Checker.BackgroundRunning(),
		"history":            h.Checker.AllInfo(),
		"next_checks":        h.Checker.NextChecks(),
	})
}

// HandleHealthCheck 处理 POST /api/health/check，同步执行一轮全量检查。
func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	summary, err := h.Controller.RunHealthCheck(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleRules 处理 GET|POST|DELETE /api/rules。变更经由 SettingsManager 持久化并应用。
func (h *Handler) HandleRules(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rules":     h.Matcher.Rules(),
			"stats":     h.Matcher.Statistics(),
			"settings":  h.Settings.Get().Routing,
			"templates": routing.TemplateNames(),
		})

	case http.MethodPost:
		var req rulesRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("failed to parse JSON body"))
			return
		}
		// 无效规则跳过并记录，其余照常持久化
		valid, invalid := make([]string, 0, len(req.Rules)), []string{}
		for _, raw := range req.Rules {
			if _, err := routing.ParseRule(raw); err != nil {
				logger.Warn().Err(err).Str("rule", raw).Msg("Skipping invalid routing rule from API.")
				invalid = append(invalid, raw)
				continue
			}
			valid = append(valid, raw)
		}
		current := *h.Settings.Get().Routing
		current.Rules = lo.Uniq(append(append([]string{}, current.Rules...), valid...))
		h.updateRouting(w, current, invalid)

	case http.MethodDelete:
		h.updateRouting(w, settings.RoutingSettings{Templates: []string{}, Rules: []string{}}, nil)
	}
}

// HandleLoadDefaults 处理 POST /api/rules/defaults[?template=name]
func (h *Handler) HandleLoadDefaults(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	current := *h.Settings.Get().Routing
	if name := r.URL.Query().Get("template"); name != "" {
		if _, ok := routing.Templates[name]; !ok {
			writeError(w, http.StatusNotFound, errors.New("unknown template: "+name))
			return
		}
		current.Templates = lo.Uniq(append(append([]string{}, current.Templates...), name))
	} else {
		current.UseDefaults = true
	}
	h.updateRouting(w, current, nil)
}

// updateRouting 同步应用路由设置。invalid 非 nil 时随响应返回。
func (h *Handler) updateRouting(w http.ResponseWriter, rs settings.RoutingSettings, invalid []string) {
	body, err := json.Marshal(rs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.Settings.UpdateSync(settings.ModuleRouting, body); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]interface{}{
		"rules": h.Matcher.Rules(),
		"stats": h.Matcher.Statistics(),
	}
	if invalid != nil {
		resp["invalid"] = invalid
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRoute 处理 GET /api/route?target=&strategy=
func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	target := q.Get("target")
	if routing.ExtractHostname(target) == "" {
		writeError(w, http.StatusBadRequest, errors.New("target is required"))
		return
	}
	strategy := q.Get("strategy")
	if _, ok := h.parseStrategy(strategy); !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown strategy: "+strategy))
		return
	}

	decision, err := h.Dispatcher.Dispatch(r.Context(), target, strategy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// HandleSelect 处理 GET /api/select?strategy=
func (h *Handler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	name := r.URL.Query().Get("strategy")
	strategy, ok := h.parseStrategy(name)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown strategy: "+name))
		return
	}
	id, err := h.Selector.Select(strategy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy": strategy.String(),
		"proxy":    id,
	})
}

// HandleSwitch 处理 POST /api/switch?name=&strategy=
func (h *Handler) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	q := r.URL.Query()
	name, strategy := q.Get("name"), q.Get("strategy")
	if name == "" {
		if _, ok := h.parseStrategy(strategy); !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown strategy: "+strategy))
			return
		}
	}

	id, sample, err := h.Controller.SwitchProxy(r.Context(), name, strategy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if !sample.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{
		"proxy":  id,
		"sample": sample,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrNoCandidate):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatcher.ErrUnknownProxy):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// --- 统一配置 API ---

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.Settings.Get())
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	// 从 URL 路径中提取模块名
	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	// 将更新请求委托给 SettingsManager
	if err := h.Settings.UpdateSync(moduleKey, body); err != nil {
		// 根据错误类型返回不同的状态码
		if strings.Contains(err.Error(), "unknown settings module") {
			writeError(w, http.StatusNotFound, err)
		} else if strings.Contains(err.Error(), "failed to parse JSON") {
			writeError(w, http.StatusBadRequest, err)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated successfully"})
}
