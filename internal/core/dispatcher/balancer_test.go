package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawladapter/proxypool/model"
)

func states(scores map[string]float64, order ...string) []ProxyState {
	out := make([]ProxyState, 0, len(order))
	for _, name := range order {
		s := scores[name]
		out = append(out, ProxyState{
			Identity: model.ProxyIdentity{Name: name},
			Score:    s,
			Healthy:  s > 0.1,
		})
	}
	return out
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies() {
		got, ok := ParseStrategy(s.String())
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
	got, ok := ParseStrategy(" Round_Robin ")
	assert.True(t, ok)
	assert.Equal(t, RoundRobin, got)

	got, ok = ParseStrategy("fastest")
	assert.False(t, ok)
	assert.Equal(t, HealthWeighted, got)
}

func TestRoundRobin_CyclesSortedHealthy(t *testing.T) {
	in := states(map[string]float64{"c": 0.9, "a": 0.8, "b": 0.7, "x": 0.0}, "c", "a", "x", "b")
	lb := NewRoundRobinBalancer()

	var picks []string
	for i := 0; i < 6; i++ {
		s, err := lb.Select(in)
		require.NoError(t, err)
		picks = append(picks, s.Identity.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestRoundRobin_NoHealthyUsesAll(t *testing.T) {
	in := states(map[string]float64{}, "b", "a")
	lb := NewRoundRobinBalancer()

	first, _ := lb.Select(in)
	second, _ := lb.Select(in)
	assert.Equal(t, "a", first.Identity.Name)
	assert.Equal(t, "b", second.Identity.Name)
}

func TestHealthWeighted_SingleHealthy(t *testing.T) {
	in := states(map[string]float64{"good": 0.9, "bad1": 0.0, "bad2": 0.05}, "bad1", "good", "bad2")
	lb := &HealthWeightedBalancer{FallbackToAll: false}
	for i := 0; i < 50; i++ {
		s, err := lb.Select(in)
		require.NoError(t, err)
		assert.Equal(t, "good", s.Identity.Name)
	}
}

func TestHealthWeighted_NoHealthy(t *testing.T) {
	in := states(map[string]float64{"a": 0.0, "b": 0.1}, "a", "b")

	_, err := (&HealthWeightedBalancer{FallbackToAll: false}).Select(in)
	assert.ErrorIs(t, err, errNoHealthy)

	s, err := (&HealthWeightedBalancer{FallbackToAll: true}).Select(in)
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, s.Identity.Name)
}

func TestLeastUsed_PicksMinimumUsage(t *testing.T) {
	in := states(map[string]float64{"a": 0.9, "b": 0.5, "c": 0.0}, "a", "b", "c")
	in[0].Usage.SelectionCount = 3
	in[1].Usage.SelectionCount = 1
	in[2].Usage.SelectionCount = 2

	s, err := (&LeastUsedBalancer{}).Select(in)
	require.NoError(t, err)
	assert.Equal(t, "b", s.Identity.Name)
}

func TestRandom_PrefersHealthy(t *testing.T) {
	in := states(map[string]float64{"a": 0.9, "b": 0.0}, "a", "b")
	for i := 0; i < 30; i++ {
		s, err := (&RandomBalancer{}).Select(in)
		require.NoError(t, err)
		assert.Equal(t, "a", s.Identity.Name)
	}
}
