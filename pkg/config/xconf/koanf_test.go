package xconf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limitsConfig struct {
	Window time.Duration             `koanf:"window"`
	Tiers  []string                  `koanf:"tiers"`
	Quotas map[string]map[string]int `koanf:"quotas"`
}

const testYAMLContent = `
limits:
  window: 1m
  tiers: [FREE, TIER_2]
  quotas:
    FREE:
      trading: 5
    TIER_2:
      trading: 20
`

const testJSONContent = `{
  "limits": {
    "window": "1h",
    "tiers": ["FREE"],
    "quotas": {"FREE": {"general": 100}}
  }
}`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNew_YAML(t *testing.T) {
	path := writeTemp(t, "limits.yaml", testYAMLContent)

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, cfg.Format())
	assert.Equal(t, path, cfg.Path())
	assert.True(t, cfg.Exists("limits.quotas"))

	var lc limitsConfig
	require.NoError(t, cfg.Unmarshal("limits", &lc))
	assert.Equal(t, time.Minute, lc.Window)
	assert.Equal(t, []string{"FREE", "TIER_2"}, lc.Tiers)
	assert.Equal(t, 20, lc.Quotas["TIER_2"]["trading"])
}

func TestNew_JSON(t *testing.T) {
	path := writeTemp(t, "limits.json", testJSONContent)

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, cfg.Format())

	var lc limitsConfig
	MustUnmarshal(cfg, "limits", &lc)
	assert.Equal(t, time.Hour, lc.Window)
	assert.Equal(t, 100, lc.Quotas["FREE"]["general"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptyPath)

	_, err = New("limits.toml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrLoadFailed)

	bad := writeTemp(t, "bad.json", "{not json")
	_, err = New(bad)
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestNewFromBytes(t *testing.T) {
	cfg, err := NewFromBytes([]byte(testYAMLContent), FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, cfg.Path())
	assert.NotNil(t, cfg.Client())

	empty, err := NewFromBytes(nil, FormatJSON)
	require.NoError(t, err)
	assert.False(t, empty.Exists("limits"))

	_, err = NewFromBytes([]byte("x"), Format("toml"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestUnmarshal_TypeMismatch(t *testing.T) {
	cfg, err := NewFromBytes([]byte("limits:\n  window: soon\n"), FormatYAML)
	require.NoError(t, err)

	var lc limitsConfig
	assert.ErrorIs(t, cfg.Unmarshal("limits", &lc), ErrUnmarshalFailed)
	assert.Panics(t, func() { MustUnmarshal(cfg, "limits", &lc) })
}

func TestWithDelim(t *testing.T) {
	cfg, err := NewFromBytes([]byte(testYAMLContent), FormatYAML, WithDelim("/"), WithTag("koanf"))
	require.NoError(t, err)
	assert.True(t, cfg.Exists("limits/window"))
}

func TestOptions_EmptyFallsBack(t *testing.T) {
	cfg, err := NewFromBytes([]byte(testYAMLContent), FormatYAML, WithDelim(""), WithTag(""))
	require.NoError(t, err)
	assert.True(t, cfg.Exists("limits.window"))

	var lc limitsConfig
	require.NoError(t, cfg.Unmarshal("limits", &lc))
}

func TestUnmarshal_NilTarget(t *testing.T) {
	cfg, err := NewFromBytes(nil, FormatJSON)
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Unmarshal("", nil), ErrNilTarget)
}
