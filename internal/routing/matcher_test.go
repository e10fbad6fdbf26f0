package routing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawladapter/internal/shared/settings"
)

func TestParseRule_Classification(t *testing.T) {
	cases := []struct {
		raw  string
		kind RuleKind
	}{
		{"10.0.0.0/8", KindIPNetwork},
		{"192.168.1.7/24", KindIPNetwork},
		{"127.0.0.1", KindIPNetwork},
		{"2001:db8::1", KindIPNetwork},
		{"*.example.com", KindWildcard},
		{"api?.example.com", KindWildcard},
		{"10.*", KindWildcard},
		{"Example.COM", KindExactDomain},
	}
	for _, c := range cases {
		r, err := ParseRule(c.raw)
		require.NoError(t, err, c.raw)
		assert.Equal(t, c.kind, r.Kind, c.raw)
	}

	r, _ := ParseRule("192.168.1.7/24")
	assert.Equal(t, "192.168.1.0/24", r.network.String())
	r, _ = ParseRule("127.0.0.1")
	assert.Equal(t, 32, r.network.Bits())
	r, _ = ParseRule("Example.COM")
	assert.Equal(t, "example.com", r.domain)
}

func TestParseRule_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "10.0.0.0/33", "not-a-cidr/8"} {
		_, err := ParseRule(raw)
		assert.ErrorIs(t, err, ErrInvalidRule, raw)
	}
}

func TestShouldUseProxy_Wildcard(t *testing.T) {
	m := NewMatcher(0)
	require.NoError(t, m.AddRule("*.example.com"))

	assert.True(t, m.ShouldUseProxy("http://api.example.com/x"))
	assert.False(t, m.ShouldUseProxy("http://example.org"))
	assert.True(t, m.ShouldUseProxy("HTTPS://CDN.Example.com:8443/a?b=c"))
	assert.False(t, m.ShouldUseProxy("example.com"), "pattern requires a subdomain")
}

func TestShouldUseProxy_CIDR(t *testing.T) {
	m := NewMatcher(0)
	require.NoError(t, m.AddRule("10.0.0.0/8"))

	assert.True(t, m.ShouldUseProxy("10.1.2.3"))
	assert.False(t, m.ShouldUseProxy("11.0.0.1"))
	assert.True(t, m.ShouldUseProxy("http://10.9.9.9:8080/path"))
	assert.True(t, m.ShouldUseProxy("10.2.3.4:443"))
}

func TestShouldUseProxy_IPv6(t *testing.T) {
	m := NewMatcher(0)
	require.NoError(t, m.AddRule("2001:db8::/32"))
	assert.True(t, m.ShouldUseProxy("http://[2001:db8::5]/"))
	assert.True(t, m.ShouldUseProxy("2001:db8::5"))
	assert.False(t, m.ShouldUseProxy("2001:db9::5"))
}

func TestShouldUseProxy_DomainSuffix(t *testing.T) {
	m := NewMatcher(0)
	require.NoError(t, m.AddRule("Example.com"))

	assert.True(t, m.ShouldUseProxy("example.com"))
	assert.True(t, m.ShouldUseProxy("a.b.example.com"))
	assert.True(t, m.ShouldUseProxy("https://www.EXAMPLE.com/"))
	assert.False(t, m.ShouldUseProxy("notexample.com"))
	assert.False(t, m.ShouldUseProxy("example.com.cn"))
}

func TestShouldUseProxy_DefaultsAndEmpty(t *testing.T) {
	m := NewMatcher(0)
	assert.False(t, m.ShouldUseProxy("anything.io"), "no rules means direct")
	assert.False(t, m.ShouldUseProxy(""))
	assert.False(t, m.ShouldUseProxy("http://"))
	assert.Equal(t, 1, m.Statistics().CacheEntries, "empty hostnames are not cached")
}

func TestShouldUseProxy_CacheIdempotence(t *testing.T) {
	m := NewMatcher(0)
	m.AddRules([]string{"*.example.com", "10.0.0.0/8"})

	first := m.ShouldUseProxy("http://api.example.com/x")
	evals := m.Evaluations()
	second := m.ShouldUseProxy("http://api.example.com/x")

	assert.Equal(t, first, second)
	assert.Equal(t, evals, m.Evaluations(), "second call must not re-evaluate rules")
}

func TestShouldUseProxy_MutationClearsCache(t *testing.T) {
	m := NewMatcher(0)
	assert.False(t, m.ShouldUseProxy("shop.example.com"))
	require.NoError(t, m.AddRule("example.com"))
	assert.True(t, m.ShouldUseProxy("shop.example.com"))

	m.ClearRules()
	assert.False(t, m.ShouldUseProxy("shop.example.com"))
}

func TestAddRules_SkipsMalformed(t *testing.T) {
	m := NewMatcher(0)
	added := m.AddRules([]string{"good.com", "10.0.0.0/99", "", "*.ok.net", "1.2.3.4"})
	assert.Equal(t, 3, added)

	rs := m.Rules()
	assert.Equal(t, []string{"good.com"}, rs.Domains)
	assert.Equal(t, []string{"1.2.3.4/32"}, rs.IPs)
	assert.Equal(t, []string{"*.ok.net"}, rs.Patterns)
}

func TestLoadDefaultRules(t *testing.T) {
	m := NewMatcher(0)
	m.LoadDefaultRules()

	stats := m.Statistics()
	assert.Equal(t, 1, stats.IPRules)
	assert.Equal(t, 6, stats.PatternRules)
	assert.Equal(t, 5, stats.DomainRules)
	assert.Equal(t, 12, stats.TotalRules)

	assert.True(t, m.ShouldUseProxy("http://localhost:8000"))
	assert.True(t, m.ShouldUseProxy("192.168.1.20"))
	assert.True(t, m.ShouldUseProxy("raw.githubusercontent.com"))
	assert.True(t, m.ShouldUseProxy("myapp.local"))
	assert.False(t, m.ShouldUseProxy("www.google.com"))
}

func TestApplyTemplate(t *testing.T) {
	m := NewMatcher(0)
	require.NoError(t, m.ApplyTemplate("ip_testing"))
	assert.True(t, m.ShouldUseProxy("http://httpbin.org/ip"))
	assert.True(t, m.ShouldUseProxy("www.whatismyip.com"))
	assert.Error(t, m.ApplyTemplate("nope"))
	assert.Equal(t, []string{"ip_testing", "news_scraping"}, TemplateNames())
}

func TestOnSettingsUpdate_ReplacesRules(t *testing.T) {
	m := NewMatcher(0)
	m.LoadDefaultRules()

	err := m.OnSettingsUpdate(settings.ModuleRouting, &settings.RoutingSettings{
		Templates: []string{"news_scraping"},
		Rules:     []string{"target.io"},
	})
	require.NoError(t, err)
	assert.False(t, m.ShouldUseProxy("localhost"))
	assert.True(t, m.ShouldUseProxy("www.coindesk.com"))
	assert.True(t, m.ShouldUseProxy("api.target.io"))

	assert.Error(t, m.OnSettingsUpdate(settings.ModuleRouting, &settings.RoutingSettings{Templates: []string{"bad"}}))
	assert.Error(t, m.OnSettingsUpdate(settings.ModuleRouting, "wrong type"))
	assert.NoError(t, m.OnSettingsUpdate(settings.ModuleSelector, nil))
}

func TestObserverSeesHitsAndMisses(t *testing.T) {
	m := NewMatcher(0)
	var hits, misses int
	m.SetObserver(func(hit, _ bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	})
	for i := 0; i < 3; i++ {
		m.ShouldUseProxy(fmt.Sprintf("h%d.com", i%2))
	}
	assert.Equal(t, 1, hits)
	assert.Equal(t, 2, misses)
}

func TestExtractHostname(t *testing.T) {
	cases := map[string]string{
		"http://API.Example.com:8080/x": "api.example.com",
		"example.com":                   "example.com",
		"example.com:443":               "example.com",
		"example.com/path":              "example.com",
		"[::1]:80":                      "::1",
		"::1":                           "::1",
		"example.com.":                  "example.com",
		"":                              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ExtractHostname(in), in)
	}
}
