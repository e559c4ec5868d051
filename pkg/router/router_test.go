package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/config"
)

func modelsConfig(deep bool) config.ModelsConfig {
	m := config.Default().Models
	m.DeepEnabled = deep
	m.Fallback = "quick"
	return m
}

func TestResolveAliases(t *testing.T) {
	r := New(modelsConfig(false))

	tests := []struct {
		selector string
		want     string
	}{
		{"quick", "claude-haiku-4-5"},
		{"haiku", "claude-haiku-4-5"},
		{"Balanced", "claude-sonnet-4-5"},
		{"sonnet", "claude-sonnet-4-5"},
		{"claude-sonnet-4-5", "claude-sonnet-4-5"},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			route := r.Resolve(tt.selector)
			assert.Equal(t, tt.want, route.Profile.ModelID)
			assert.False(t, route.Substituted)
		})
	}
}

func TestResolveSubstitutesDefault(t *testing.T) {
	r := New(modelsConfig(false))

	for _, sel := range []string{"", "   ", "gpt-4o", "deep", "opus"} {
		route := r.Resolve(sel)
		assert.Equal(t, "balanced", route.Profile.Name, sel)
		assert.True(t, route.Substituted, sel)
	}
}

func TestResolveDeepEnabled(t *testing.T) {
	r := New(modelsConfig(true))

	route := r.Resolve("opus")
	assert.Equal(t, "deep", route.Profile.Name)
	assert.False(t, route.Substituted)
	assert.NotEmpty(t, route.Profile.ExtraParams)
}

func TestResolveFallback(t *testing.T) {
	r := New(modelsConfig(false))

	route := r.Resolve("sonnet")
	require.NotNil(t, route.Fallback)
	assert.Equal(t, "claude-haiku-4-5", route.Fallback.ModelID)

	// No fallback when the primary is already the fallback model.
	route = r.Resolve("haiku")
	assert.Nil(t, route.Fallback)
}

func TestAvailable(t *testing.T) {
	assert.Equal(t, []string{"quick", "balanced"}, New(modelsConfig(false)).Modes())
	assert.Equal(t, []string{"quick", "balanced", "deep"}, New(modelsConfig(true)).Modes())
	assert.Equal(t, "balanced", New(modelsConfig(false)).Default().Name)
}
