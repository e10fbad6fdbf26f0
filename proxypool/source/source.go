package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"crawladapter/internal/engine"
	"crawladapter/internal/shared/logger"
	"crawladapter/proxypool/model"
)

// Source 接口定义了从某个来源读取代理名册的行为。
type Source interface {
	// Fetch 返回该来源当前的代理列表。实现者只负责读取和初步解析，不进行校验。
	Fetch(ctx context.Context) ([]model.ProxyIdentity, error)

	// Name 返回来源的名称，用于日志记录。
	Name() string
}

// --- YAML 文件 ---

type clashDocument struct {
	Proxies []map[string]any `yaml:"proxies"`
}

// YAMLSource 读取 Clash 风格配置文件中的 proxies 列表。
type YAMLSource struct {
	path string
}

func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{path: path}
}

func (s *YAMLSource) Name() string { return "file" }

// Fetch 读取并解析文件。文件不存在时返回空名册。
func (s *YAMLSource) Fetch(ctx context.Context) ([]model.ProxyIdentity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l := logger.WithComponent("ProxyPool/Source")
			l.Info().Str("path", s.path).Msg("Roster file not found, using an empty roster.")
			return nil, nil
		}
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML 解析 Clash 风格 YAML 的 proxies 段。
func ParseYAML(data []byte) ([]model.ProxyIdentity, error) {
	var doc clashDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse roster yaml: %w", err)
	}

	ids := make([]model.ProxyIdentity, 0, len(doc.Proxies))
	for _, raw := range doc.Proxies {
		ids = append(ids, model.ProxyIdentity{
			Name:       stringField(raw, "name"),
			Server:     stringField(raw, "server"),
			Port:       intField(raw, "port"),
			Protocol:   NormalizeProtocol(stringField(raw, "type")),
			Source:     "file",
			Descriptor: raw,
		})
	}
	return ids, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// intField 端口可能写成数字或字符串，无法解析时返回 -1 交给校验器丢弃。
func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return -1
		}
		return n
	case nil:
		return 0
	default:
		return -1
	}
}

// --- 控制器分组 ---

// GroupReader 是 ControllerSource 需要的控制器能力。
type GroupReader interface {
	Group(ctx context.Context) (engine.GroupInfo, error)
	Proxies(ctx context.Context) (map[string]engine.ProxyInfo, error)
}

// ControllerSource 把切换分组的成员作为名册，排除 DIRECT/REJECT 和嵌套分组。
type ControllerSource struct {
	client GroupReader
}

func NewControllerSource(client GroupReader) *ControllerSource {
	return &ControllerSource{client: client}
}

func (s *ControllerSource) Name() string { return "controller" }

func (s *ControllerSource) Fetch(ctx context.Context) ([]model.ProxyIdentity, error) {
	group, err := s.client.Group(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.client.Proxies(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]model.ProxyIdentity, 0, len(group.All))
	for _, name := range group.All {
		if name == "DIRECT" || name == "REJECT" {
			continue
		}
		info, ok := all[name]
		if ok && info.IsGroup() {
			continue
		}
		ids = append(ids, model.ProxyIdentity{
			Name:     name,
			Protocol: NormalizeProtocol(info.Type),
			Source:   "controller",
		})
	}
	return ids, nil
}

var protocolAliases = map[string]string{
	"shadowsocks":  "ss",
	"shadowsocksr": "ssr",
	"socks":        "socks5",
	"https":        "http",
	"hy2":          "hysteria2",
	"wg":           "wireguard",
}

// NormalizeProtocol 统一协议标签 (小写，控制器的类型名映射为配置文件中的写法)。
func NormalizeProtocol(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if alias, ok := protocolAliases[t]; ok {
		return alias
	}
	return t
}
