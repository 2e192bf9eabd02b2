package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupUnknownModelReturnsConservativeDefault(t *testing.T) {
	reg := New(nil)

	caps := reg.Lookup("totally-unheard-of-model")

	assert.Equal(t, 8000, caps.MaxContextTokens)
	assert.Equal(t, 4000, caps.MaxOutputTokens)
	assert.False(t, caps.SupportsToolUse)
	assert.Equal(t, ThinkingNone, caps.ThinkingMode)
}

func TestLookupExactCaseInsensitive(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register(Capabilities{
		ModelID:          "Claude-Opus-4",
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
		SupportsToolUse:  true,
	}))

	caps := reg.Lookup("claude-opus-4")
	assert.True(t, caps.SupportsToolUse)
	assert.Equal(t, 200000, caps.MaxContextTokens)
}

func TestLookupSubstringFallback(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register(Capabilities{
		ModelID:          "gpt-4o",
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	}))

	caps := reg.Lookup("gpt-4o-2024-08-06")
	assert.Equal(t, 128000, caps.MaxContextTokens)
}

func TestPatternOrderingMostSpecificFirst(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.AddPattern("gpt-4o-mini", Capabilities{ModelID: "gpt-4o-mini", MaxContextTokens: 128000, MaxOutputTokens: 16384}))
	require.NoError(t, reg.AddPattern("gpt-4o", Capabilities{ModelID: "gpt-4o", MaxContextTokens: 128000, MaxOutputTokens: 16384}))
	require.NoError(t, reg.AddPattern("gpt-4", Capabilities{ModelID: "gpt-4", MaxContextTokens: 8192, MaxOutputTokens: 4096}))

	mini := reg.Lookup("gpt-4o-mini-2024-07-18")
	assert.Equal(t, "gpt-4o-mini", mini.ModelID)

	require.NoError(t, reg.RequireOrdering([]string{"gpt-4o-mini", "gpt-4o", "gpt-4"}))
}

func TestPatternOrderingViolationDetected(t *testing.T) {
	reg := New(nil)
	// Deliberately wrong order: "gpt-4" would swallow "gpt-4o"'s own canonical id.
	require.NoError(t, reg.AddPattern("gpt-4", Capabilities{ModelID: "gpt-4", MaxContextTokens: 8192, MaxOutputTokens: 4096}))
	require.NoError(t, reg.AddPattern("gpt-4o", Capabilities{ModelID: "gpt-4o", MaxContextTokens: 128000, MaxOutputTokens: 16384}))

	err := reg.RequireOrdering([]string{"gpt-4", "gpt-4o"})
	assert.Error(t, err)
}

func TestRegisterRejectsInvalidCapabilities(t *testing.T) {
	reg := New(nil)

	err := reg.Register(Capabilities{ModelID: "broken", MaxContextTokens: 100, MaxOutputTokens: 200})
	assert.Error(t, err)

	err = reg.Register(Capabilities{ModelID: "broken2", MaxContextTokens: 100, MaxOutputTokens: 0})
	assert.Error(t, err)
}

func TestAliasResolver(t *testing.T) {
	ar := NewAliasResolver()
	ar.SetAlias("fast", "gpt-4o-mini")

	canonical, ok := ar.Alias("FAST")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", canonical)

	_, ok = ar.Alias("unregistered")
	assert.False(t, ok)
}

type fakeStore struct {
	saved map[string]Capabilities
}

func (f *fakeStore) SaveCapabilities(modelID string, caps Capabilities) error {
	if f.saved == nil {
		f.saved = make(map[string]Capabilities)
	}
	f.saved[modelID] = caps
	return nil
}

func TestRegisterPersistsToStore(t *testing.T) {
	store := &fakeStore{}
	reg := New(store)

	require.NoError(t, reg.Register(Capabilities{
		ModelID:          "custom-model",
		MaxContextTokens: 32000,
		MaxOutputTokens:  4000,
	}))

	assert.Contains(t, store.saved, "custom-model")
}
