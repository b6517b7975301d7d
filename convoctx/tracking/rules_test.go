package tracking

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRuleFile(t *testing.T, dir string, rs RuleSet) string {
	t.Helper()
	payload, err := json.Marshal(rs)
	require.NoError(t, err)
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	return path
}

func TestCompile_DefaultRuleSet(t *testing.T) {
	rules, err := Compile(DefaultRuleSet())
	require.NoError(t, err)
	assert.Equal(t, "builtin-1", rules.Version())

	name, ok := rules.matchTopic("How many eggs fit on a bird card?")
	require.True(t, ok)
	assert.Equal(t, "wingspan", name)

	_, ok = rules.matchTopic("Completely unrelated question")
	assert.False(t, ok)
}

func TestCompile_RejectsBadPattern(t *testing.T) {
	rs := DefaultRuleSet()
	rs.DirectReferences = append(rs.DirectReferences, "([unclosed")

	_, err := Compile(rs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direct-reference")
}

func TestCompile_RejectsUnknownIntensity(t *testing.T) {
	rs := DefaultRuleSet()
	rs.Corrections = append(rs.Corrections, CorrectionRule{Pattern: "nope", Intensity: "shouty"})

	_, err := Compile(rs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intensity")
}

func TestLoadRules_RoundTrip(t *testing.T) {
	rs := DefaultRuleSet()
	rs.Version = "file-1"
	path := writeRuleFile(t, t.TempDir(), rs)

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "file-1", rules.Version())
}

func TestLoadRules_SchemaRejection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	// Missing the required corrections array.
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"x","topics":[],"direct_references":[]}`), 0o644))

	_, err := LoadRules(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

func TestLoadRules_MissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestRuleProvider_Swap(t *testing.T) {
	provider := NewRuleProvider(DefaultRules())
	assert.Equal(t, "builtin-1", provider.Current().Version())

	rs := DefaultRuleSet()
	rs.Version = "v2"
	next, err := Compile(rs)
	require.NoError(t, err)

	provider.Swap(next)
	assert.Equal(t, "v2", provider.Current().Version())
}

func TestRulesWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	rs := DefaultRuleSet()
	rs.Version = "v1"
	path := writeRuleFile(t, dir, rs)

	provider := NewRuleProvider(DefaultRules())
	watcher, err := NewRulesWatcher(path, provider, zerolog.Nop())
	require.NoError(t, err)
	defer watcher.Close()

	rs.Version = "v2"
	writeRuleFile(t, dir, rs)

	assert.Eventually(t, func() bool {
		return provider.Current().Version() == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRulesWatcher_KeepsOldRulesOnBadFile(t *testing.T) {
	dir := t.TempDir()
	rs := DefaultRuleSet()
	rs.Version = "v1"
	path := writeRuleFile(t, dir, rs)

	provider := NewRuleProvider(DefaultRules())
	watcher, err := NewRulesWatcher(path, provider, zerolog.Nop())
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"broken`), 0o644))

	// The bad payload must never displace the active rules.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "builtin-1", provider.Current().Version())
}
