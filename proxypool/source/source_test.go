package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawladapter/internal/engine"
)

const sampleYAML = `
mixed-port: 7890
proxies:
  - name: "香港 01"
    type: ss
    server: hk1.example.com
    port: 8388
    cipher: aes-128-gcm
    password: secret
  - name: jp-trojan
    type: Trojan
    server: jp.example.com
    port: "443"
  - name: broken-port
    type: vmess
    server: x.example.com
    port: abc
proxy-groups:
  - name: PROXY
    type: select
    proxies: ["香港 01", jp-trojan]
`

func TestParseYAML(t *testing.T) {
	ids, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, ids, 3)

	assert.Equal(t, "香港 01", ids[0].Name)
	assert.Equal(t, "hk1.example.com", ids[0].Server)
	assert.Equal(t, 8388, ids[0].Port)
	assert.Equal(t, "ss", ids[0].Protocol)
	assert.Equal(t, "file", ids[0].Source)
	assert.Equal(t, "aes-128-gcm", ids[0].Descriptor["cipher"])

	assert.Equal(t, 443, ids[1].Port)
	assert.Equal(t, "trojan", ids[1].Protocol)
	assert.Equal(t, -1, ids[2].Port)
}

func TestParseYAML_Invalid(t *testing.T) {
	_, err := ParseYAML([]byte("proxies: [unclosed"))
	assert.Error(t, err)
}

func TestYAMLSource_Fetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.yaml")

	ids, err := NewYAMLSource(path).Fetch(context.Background())
	require.NoError(t, err, "missing file is an empty roster")
	assert.Empty(t, ids)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))
	ids, err = NewYAMLSource(path).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

type fakeGroupReader struct {
	group   engine.GroupInfo
	proxies map[string]engine.ProxyInfo
	err     error
}

func (f *fakeGroupReader) Group(ctx context.Context) (engine.GroupInfo, error) {
	return f.group, f.err
}

func (f *fakeGroupReader) Proxies(ctx context.Context) (map[string]engine.ProxyInfo, error) {
	return f.proxies, f.err
}

func TestControllerSource_Fetch(t *testing.T) {
	reader := &fakeGroupReader{
		group: engine.GroupInfo{
			Name: "PROXY",
			Type: "Selector",
			All:  []string{"DIRECT", "hk-01", "AUTO", "jp-02", "REJECT"},
		},
		proxies: map[string]engine.ProxyInfo{
			"hk-01": {Name: "hk-01", Type: "Shadowsocks"},
			"jp-02": {Name: "jp-02", Type: "Vmess"},
			"AUTO":  {Name: "AUTO", Type: "URLTest", All: []string{"hk-01"}},
		},
	}

	ids, err := NewControllerSource(reader).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "hk-01", ids[0].Name)
	assert.Equal(t, "ss", ids[0].Protocol)
	assert.Equal(t, "controller", ids[0].Source)
	assert.Equal(t, "vmess", ids[1].Protocol)
}

func TestControllerSource_Error(t *testing.T) {
	reader := &fakeGroupReader{err: assert.AnError}
	_, err := NewControllerSource(reader).Fetch(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestNormalizeProtocol(t *testing.T) {
	assert.Equal(t, "ss", NormalizeProtocol(" Shadowsocks "))
	assert.Equal(t, "hysteria2", NormalizeProtocol("Hysteria2"))
	assert.Equal(t, "socks5", NormalizeProtocol("Socks5"))
	assert.Equal(t, "vless", NormalizeProtocol("VLESS"))
}
