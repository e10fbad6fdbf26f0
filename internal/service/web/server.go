package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"crawladapter/internal/shared/logger"
	"crawladapter/internal/shared/types"
)

// loggingListener 记录每个被接受的连接 (debug 级别)。
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf("[WebServer] Connection accepted from: %s", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewMux 注册全部路由。metricsHandler 可为 nil。
func NewMux(cfg types.LocalConf, handler *Handler, hub *Hub, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	auth := func(fn http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(fn, cfg.WebUser, cfg.WebPassword)
	}

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)

	mux.Handle("/api/proxies", auth(handler.HandleProxies))
	mux.Handle("/api/stats", auth(handler.HandleStats))
	mux.Handle("/api/health", auth(handler.HandleHealth))
	mux.Handle("/api/health/check", auth(handler.HandleHealthCheck))
	mux.Handle("/api/rules", auth(handler.HandleRules))
	mux.Handle("/api/rules/defaults", auth(handler.HandleLoadDefaults))
	mux.Handle("/api/route", auth(handler.HandleRoute))
	mux.Handle("/api/select", auth(handler.HandleSelect))
	mux.Handle("/api/switch", auth(handler.HandleSwitch))

	// 统一配置管理 API
	mux.Handle("/api/settings", auth(handler.HandleGetSettings))
	mux.Handle("/api/settings/", auth(handler.HandleUpdateSettings)) // 捕获 /api/settings/{module}

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	return mux
}

// StartServer 在 web_port 上启动管理接口。端口为 0 时不启动并返回 nil。
func StartServer(
	wg *sync.WaitGroup,
	cfg types.LocalConf,
	handler *Handler,
	hub *Hub,
	metricsHandler http.Handler,
) (*http.Server, error) {
	if cfg.WebPort <= 0 {
		logger.Info().Msg("[WebServer] Web API is disabled (web_port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("start web api on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           NewMux(cfg, handler, hub, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Msgf("SUCCESS: Web API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error.")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}

// Shutdown 优雅关闭服务器。srv 可为 nil。
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
