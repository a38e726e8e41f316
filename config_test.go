package tiercache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveConfigDefaults(t *testing.T) {
	cfg, err := ResolveConfig()
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, cfg.TTL)
	require.Equal(t, DefaultStaleWhileRevalidate, cfg.StaleWhileRevalidate)
	require.Empty(t, cfg.Tags)
	require.False(t, cfg.Compress)
}

func TestResolveConfigKeepsExplicitValues(t *testing.T) {
	cfg, err := ResolveConfig(Config{
		TTL:      time.Second,
		Tags:     []string{"b", "a", "b"},
		Compress: true,
	})
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.TTL)
	require.Equal(t, DefaultStaleWhileRevalidate, cfg.StaleWhileRevalidate)
	require.Equal(t, []string{"a", "b"}, cfg.Tags)
	require.True(t, cfg.Compress)
}

func TestResolveConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative ttl", Config{TTL: -time.Second}},
		{"negative swr", Config{StaleWhileRevalidate: -time.Second}},
		{"empty tag", Config{Tags: []string{"ok", ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveConfig(tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
