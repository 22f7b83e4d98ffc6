package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	c := &Config{}
	c.LoadDefaults()
	return c
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()

	assert.Equal(t, BackendGRPC, c.BackendKind)
	assert.Equal(t, "127.0.0.1:50051", c.ServerEndpointAddr)
	assert.Equal(t, 3*time.Second, c.OnlineCheckInterval)
	assert.Equal(t, 10*time.Second, c.SubmitTimeout)
	assert.Equal(t, 50, c.BatchSize)
	assert.Equal(t, int64(5<<20), c.StorageQuotaBytes)
}

func TestParseEnv(t *testing.T) {
	env := map[string]string{
		"SHOTKEEPER_BACKEND":             "firestore",
		"SHOTKEEPER_USER_ID":             "u-1",
		"SHOTKEEPER_SUBMIT_TIMEOUT":      "2s",
		"SHOTKEEPER_BATCH_SIZE":          "7",
		"SHOTKEEPER_STORAGE_QUOTA_BYTES": "1024",
		"SHOTKEEPER_SUBMIT_RATE":         "2.5",
		"UNRELATED":                      "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := defaults()
	parseEnv(c, lookup)

	want := defaults()
	want.BackendKind = BackendFirestore
	want.UserID = "u-1"
	want.SubmitTimeout = 2 * time.Second
	want.BatchSize = 7
	want.StorageQuotaBytes = 1024
	want.SubmitRatePerSecond = 2.5

	assert.Empty(t, cmp.Diff(want, c))
}

func TestParseEnv_BadDurationPanics(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "SHOTKEEPER_SUBMIT_TIMEOUT" {
			return "soon", true
		}
		return "", false
	}
	require.Panics(t, func() { parseEnv(defaults(), lookup) })
}

func TestParseJson(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	b, err := json.Marshal(map[string]any{
		"server_endpoint_addr":  "backend:9000",
		"online_check_interval": "10s",
		"batch_size":            5,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))

	t.Run("overlays only present fields", func(t *testing.T) {
		c := defaults()
		parseJson(c, []string{"-config", path})

		assert.Equal(t, "backend:9000", c.ServerEndpointAddr)
		assert.Equal(t, 10*time.Second, c.OnlineCheckInterval)
		assert.Equal(t, 5, c.BatchSize)
		assert.Equal(t, 10*time.Second, c.SubmitTimeout)
		assert.Equal(t, "shotkeeper.db", c.DatabasePath)
	})

	t.Run("no config flag leaves cfg alone", func(t *testing.T) {
		c := defaults()
		parseJson(c, []string{"-a", "x:1"})
		assert.Empty(t, cmp.Diff(defaults(), c))
	})

	t.Run("invalid json panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ nope`), 0o600))
		require.Panics(t, func() { parseJson(defaults(), []string{"-c", bad}) })
	})
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		mutate      func(c *Config)
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{"-a", "127.0.0.1:9090", "-i", "10", "-u", "shooter-1", "-b", "firestore", "-x", "ignored"},
			mutate: func(c *Config) {
				c.ServerEndpointAddr = "127.0.0.1:9090"
				c.OnlineCheckInterval = 10 * time.Second
				c.UserID = "shooter-1"
				c.BackendKind = BackendFirestore
			},
		},
		{name: "bad interval", args: []string{"-i", "abc"}, expectPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaults()
			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(c, tt.args) })
				return
			}
			require.NotPanics(t, func() { parseFlags(c, tt.args) })

			want := defaults()
			tt.mutate(want)
			assert.Empty(t, cmp.Diff(want, c))
		})
	}
}
