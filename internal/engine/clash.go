package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"crawladapter/internal/shared/logger"
	"crawladapter/internal/shared/types"
)

// ErrSwitchRejected 表示控制器拒绝了切换请求。
var ErrSwitchRejected = errors.New("engine rejected proxy switch")

// GroupInfo 是选择器分组的状态。
type GroupInfo struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Now  string   `json:"now"`
	All  []string `json:"all"`
}

// ProxyInfo 是控制器眼中的单个代理。
type ProxyInfo struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Now  string   `json:"now,omitempty"`
	All  []string `json:"all,omitempty"`
}

// IsGroup 报告该条目是否为分组 (而非实际出口)。
func (p ProxyInfo) IsGroup() bool {
	return len(p.All) > 0
}

type proxiesResponse struct {
	Proxies map[string]ProxyInfo `json:"proxies"`
}

type versionResponse struct {
	Version string `json:"version"`
	Meta    bool   `json:"meta"`
}

// Client 是 Clash/mihomo 兼容控制器的 REST 客户端。
type Client struct {
	http  *resty.Client
	group string
	log   zerolog.Logger
}

// NewClient 根据 [engine] 配置创建客户端。
func NewClient(cfg types.EngineConf) *Client {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	group := cfg.Group
	if group == "" {
		group = "PROXY"
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIBase, "/")).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json")
	if cfg.Secret != "" {
		rc.SetAuthToken(cfg.Secret)
	}

	return &Client{
		http:  rc,
		group: group,
		log:   logger.WithComponent("Engine/Client"),
	}
}

// request 创建请求。部分控制器 (或其前置代理) 不标注 JSON 响应类型，统一按 JSON 解码。
func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		ForceContentType("application/json")
}

// GroupName 返回被切换的分组名。
func (c *Client) GroupName() string { return c.group }

// Switch 将分组的活动出口切换为 name。
func (c *Client) Switch(ctx context.Context, name string) error {
	resp, err := c.request(ctx).
		SetBody(map[string]string{"name": name}).
		Put("/proxies/" + url.PathEscape(c.group))
	if err != nil {
		return fmt.Errorf("switch request failed: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return fmt.Errorf("%w: status %d: %s", ErrSwitchRejected, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
}

// SwitchActiveProxy 是探测器使用的布尔形式。
func (c *Client) SwitchActiveProxy(ctx context.Context, name string) bool {
	if err := c.Switch(ctx, name); err != nil {
		c.log.Debug().Err(err).Str("proxy", name).Msg("Switch failed.")
		return false
	}
	return true
}

// Group 查询分组当前选中项和成员。
func (c *Client) Group(ctx context.Context) (GroupInfo, error) {
	var info GroupInfo
	resp, err := c.request(ctx).
		SetResult(&info).
		Get("/proxies/" + url.PathEscape(c.group))
	if err != nil {
		return GroupInfo{}, fmt.Errorf("group request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return GroupInfo{}, fmt.Errorf("group %q: unexpected status %d", c.group, resp.StatusCode())
	}
	return info, nil
}

// Proxies 返回控制器已知的所有代理与分组。
func (c *Client) Proxies(ctx context.Context) (map[string]ProxyInfo, error) {
	var out proxiesResponse
	resp, err := c.request(ctx).
		SetResult(&out).
		Get("/proxies")
	if err != nil {
		return nil, fmt.Errorf("proxies request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("proxies: unexpected status %d", resp.StatusCode())
	}
	if out.Proxies == nil {
		out.Proxies = map[string]ProxyInfo{}
	}
	return out.Proxies, nil
}

// Version 用于检测控制器是否可达。
func (c *Client) Version(ctx context.Context) (string, error) {
	var v versionResponse
	resp, err := c.request(ctx).
		SetResult(&v).
		Get("/version")
	if err != nil {
		return "", fmt.Errorf("version request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("version: unexpected status %d", resp.StatusCode())
	}
	return v.Version, nil
}
