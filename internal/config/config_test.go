package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadBridge(t *testing.T) {
	path := writeConfig(t, `{
		"bitcoin": {"url": "http://node:18332", "poll_interval": 1000000000},
		"indexer": {"confirmation_lag": 6},
		"sparse_roots": {"dir": "/tmp/roots"}
	}`)

	cfg := DefaultBridge()
	require.NoError(t, Load(path, &cfg))
	require.Equal(t, "http://node:18332", cfg.Bitcoin.URL)
	require.Equal(t, time.Second, cfg.Bitcoin.PollInterval)
	require.Equal(t, 5, cfg.Bitcoin.RetryAttempts)
	require.Equal(t, uint32(6), cfg.Indexer.ConfirmationLag)
	require.Equal(t, uint32(1), cfg.Indexer.ProveInterval)
	require.Equal(t, "/tmp/roots", cfg.SparseRoots.Dir)
	require.Equal(t, uint32(10000), cfg.SparseRoots.ShardSize)

	cfg.ApplyEnv(env(map[string]string{
		EnvBitcoinRPC: "http://other:8332",
		EnvUserPass:   "alice:secret",
		EnvBridgeRPC:  "http://ignored",
	}))
	require.Equal(t, "http://other:8332", cfg.Bitcoin.URL)
	require.Equal(t, "alice:secret", cfg.Bitcoin.UserPass)
}

func TestLoadSPV(t *testing.T) {
	cfg := DefaultSPV()
	require.NoError(t, Load("", &cfg))
	require.Equal(t, DefaultSPV(), cfg)

	path := writeConfig(t, `{"fetcher": {"raito_rpc_url": "https://bridge.example"}, "min_work": ""}`)
	require.NoError(t, Load(path, &cfg))
	require.Equal(t, "https://bridge.example", cfg.Fetcher.IndexerURL)
	require.Equal(t, "", cfg.MinWork)
	require.Equal(t, 5, cfg.Fetcher.MaxAttempts)

	cfg.ApplyEnv(env(map[string]string{EnvBridgeRPC: "http://localhost:5000", EnvUserPass: ""}))
	require.Equal(t, "http://localhost:5000", cfg.Fetcher.IndexerURL)
	require.Equal(t, "", cfg.Fetcher.Node.UserPass)
}

func TestLoadDurations(t *testing.T) {
	path := writeConfig(t, `{
		"bitcoin": {"retry_backoff": "250ms", "poll_interval": "1s"},
		"server": {"cache_ttl": "1h30m"}
	}`)
	cfg := DefaultBridge()
	require.NoError(t, Load(path, &cfg))
	require.Equal(t, 250*time.Millisecond, cfg.Bitcoin.RetryBackoff)
	require.Equal(t, time.Second, cfg.Bitcoin.PollInterval)
	require.Equal(t, 90*time.Minute, cfg.Server.CacheTTL)

	spvPath := writeConfig(t, `{"fetcher": {"backoff": "2s", "timeout": 30000000000}}`)
	spvCfg := DefaultSPV()
	require.NoError(t, Load(spvPath, &spvCfg))
	require.Equal(t, 2*time.Second, spvCfg.Fetcher.Backoff)
	require.Equal(t, 30*time.Second, spvCfg.Fetcher.Timeout)

	err := Load(writeConfig(t, `{"fetcher": {"timeout": "soon"}}`), &spvCfg)
	require.ErrorContains(t, err, "timeout")
	require.Equal(t, 30*time.Second, spvCfg.Fetcher.Timeout)
}

func TestLoadErrors(t *testing.T) {
	cfg := DefaultSPV()
	require.Error(t, Load(filepath.Join(t.TempDir(), "missing.json"), &cfg))
	require.Error(t, Load(writeConfig(t, `{"fetcher": `), &cfg))
	require.Error(t, Load(writeConfig(t, `{"unknown": 1}`), &cfg))
}
