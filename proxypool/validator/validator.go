package validator

import (
	"strings"

	"crawladapter/internal/shared/logger"
	"crawladapter/proxypool/model"
)

// KnownProtocols 是名册中允许出现的协议标签。
var KnownProtocols = map[string]struct{}{
	"ss": {}, "ssr": {}, "vmess": {}, "vless": {}, "trojan": {},
	"hysteria": {}, "hysteria2": {}, "tuic": {}, "wireguard": {},
	"snell": {}, "ssh": {}, "socks5": {}, "http": {}, "anytls": {}, "mieru": {},
}

// Rejection 描述一条被丢弃的描述符。
type Rejection struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type Validator struct {
	// AllowUnknownProtocol 为 true 时不检查协议标签
	AllowUnknownProtocol bool
}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate 过滤出合法的代理描述符，保持原有顺序。同名时保留第一个。
func (v *Validator) Validate(ids []model.ProxyIdentity) ([]model.ProxyIdentity, []Rejection) {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(ids) == 0 {
		return ids, nil
	}

	seen := make(map[string]struct{}, len(ids))
	valid := make([]model.ProxyIdentity, 0, len(ids))
	var rejected []Rejection
	for i, id := range ids {
		id.Name = strings.TrimSpace(id.Name)
		if reason := v.check(id, seen); reason != "" {
			rejected = append(rejected, Rejection{Index: i, Name: id.Name, Reason: reason})
			l.Warn().Int("index", i).Str("name", id.Name).Str("source", id.Source).Str("reason", reason).Msg("Dropping invalid proxy descriptor.")
			continue
		}
		seen[id.Name] = struct{}{}
		valid = append(valid, id)
	}

	if len(rejected) > 0 {
		l.Info().Int("valid", len(valid)).Int("rejected", len(rejected)).Msg("Validation batch finished.")
	}
	return valid, rejected
}

func (v *Validator) check(id model.ProxyIdentity, seen map[string]struct{}) string {
	if id.Name == "" {
		return "empty name"
	}
	if _, dup := seen[id.Name]; dup {
		return "duplicate name"
	}
	// 控制器来源只有名称，没有地址与端口
	if id.Server == "" {
		if id.Port != 0 {
			return "port without server"
		}
	} else if id.Port < 1 || id.Port > 65535 {
		return "invalid port"
	}
	if !v.AllowUnknownProtocol {
		if _, ok := KnownProtocols[id.Protocol]; !ok {
			return "unknown protocol " + quote(id.Protocol)
		}
	}
	return ""
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	return `"` + s + `"`
}
