package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Ingress 通过引擎的本地入口发出请求，流量经由当前活动出口。
type Ingress struct {
	address string
	client  *http.Client
}

// NewIngress 支持 http:// 与 socks5:// 入口。
func NewIngress(address string, timeout time.Duration) (*Ingress, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid ingress address %q: %w", address, err)
	}

	transport := &http.Transport{
		DisableKeepAlives:   true, // 每次测试重新建连
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        0,
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to build socks5 dialer: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported ingress scheme %q", u.Scheme)
	}

	return &Ingress{
		address: address,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Address 返回入口地址。
func (i *Ingress) Address() string { return i.address }

// Test 对 target 发起 GET，返回状态码。
func (i *Ingress) Test(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "crawladapter-healthcheck/1.0")
	resp, err := i.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
