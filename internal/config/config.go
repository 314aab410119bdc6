// Package config holds the settings of the commands. Settings come from the
// defaults, then an optional JSON file, then the environment, then flags.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/raitobridge/blockmmr/bitcoin"
	"github.com/raitobridge/blockmmr/bridge"
	"github.com/raitobridge/blockmmr/internal/logging"
	"github.com/raitobridge/blockmmr/spv"
	"github.com/raitobridge/blockmmr/store"
)

// Environment variables read by ApplyEnv.
const (
	EnvBitcoinRPC = "BITCOIN_RPC"
	EnvUserPass   = "USERPWD"
	EnvBridgeRPC  = "RAITO_BRIDGE_RPC"
)

// Bridge is the configuration of the indexing service.
type Bridge struct {
	Bitcoin     bitcoin.ClientConfig `json:"bitcoin"`
	Store       store.Options        `json:"store"`
	Indexer     bridge.IndexerConfig `json:"indexer"`
	SparseRoots bridge.SinkConfig    `json:"sparse_roots"`
	Server      bridge.ServerConfig  `json:"server"`

	// KeyDir holds the proving and verifying keys. Empty disables proving.
	KeyDir string `json:"key_dir"`

	Log logging.Options `json:"log"`
}

// DefaultBridge returns the settings for a local mainnet node.
func DefaultBridge() Bridge {
	return Bridge{
		Bitcoin: bitcoin.ClientConfig{
			URL:           "http://127.0.0.1:8332",
			RetryAttempts: 5,
			RetryBackoff:  500 * time.Millisecond,
			PollInterval:  10 * time.Second,
		},
		Store: store.Options{Dir: "data/history", SyncWrites: true},
		Indexer: bridge.IndexerConfig{
			ConfirmationLag: 1,
			ProveInterval:   1,
			StatePath:       "data/chainstate.json",
		},
		SparseRoots: bridge.SinkConfig{Dir: "data/sparse_roots", ShardSize: 10000},
		Server:      bridge.ServerConfig{Addr: "127.0.0.1:5000", CacheTTL: 10 * time.Minute},
		Log:         logging.DefaultOptions(),
	}
}

// ApplyEnv overrides the node settings from the environment.
func (b *Bridge) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBitcoinRPC); ok && v != "" {
		b.Bitcoin.URL = v
	}
	if v, ok := lookup(EnvUserPass); ok && v != "" {
		b.Bitcoin.UserPass = v
	}
}

// SPV is the configuration of the proof client.
type SPV struct {
	Fetcher spv.FetcherConfig `json:"fetcher"`

	// VerifyingKey is the path of the circuit verifying key.
	VerifyingKey string `json:"verifying_key"`

	// MinWork is the decimal work required on top of a block. Empty
	// disables the check.
	MinWork string `json:"min_work"`

	// Network selects the address encoding when printing transactions.
	Network string `json:"network"`

	Log logging.Options `json:"log"`
}

// DefaultSPV returns the settings for a local service and node.
func DefaultSPV() SPV {
	log := logging.DefaultOptions()
	log.Level = "warn"
	return SPV{
		Fetcher: spv.FetcherConfig{
			IndexerURL: "http://127.0.0.1:5000",
			Node: bitcoin.ClientConfig{
				URL:           "http://127.0.0.1:8332",
				RetryAttempts: 3,
				RetryBackoff:  500 * time.Millisecond,
			},
			MaxAttempts: 5,
			Backoff:     time.Second,
			Timeout:     2 * time.Minute,
		},
		VerifyingKey: "keys/statement.vk",
		MinWork:      spv.DefaultMinWork,
		Network:      "mainnet",
		Log:          log,
	}
}

// ApplyEnv overrides the endpoints from the environment.
func (s *SPV) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBitcoinRPC); ok && v != "" {
		s.Fetcher.Node.URL = v
	}
	if v, ok := lookup(EnvUserPass); ok && v != "" {
		s.Fetcher.Node.UserPass = v
	}
	if v, ok := lookup(EnvBridgeRPC); ok && v != "" {
		s.Fetcher.IndexerURL = v
	}
}

// durationKeys are the fields holding a time.Duration. The file may give
// them as a string like "500ms" or as nanoseconds.
var durationKeys = map[string]bool{
	"backoff":       true,
	"timeout":       true,
	"retry_backoff": true,
	"poll_interval": true,
	"cache_ttl":     true,
}

// parseDurations replaces the duration strings found in v with their
// nanoseconds.
func parseDurations(v interface{}) error {
	switch v := v.(type) {
	case map[string]interface{}:
		for k, field := range v {
			if s, ok := field.(string); ok && durationKeys[k] {
				d, err := time.ParseDuration(s)
				if err != nil {
					return fmt.Errorf("%s: %w", k, err)
				}
				v[k] = int64(d)
				continue
			}
			if err := parseDurations(field); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range v {
			if err := parseDurations(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads the JSON file at path over cfg. Fields missing from the file
// keep their value and unknown fields are an error. An empty path is a
// no-op.
func Load(path string, cfg interface{}) error {
	if path == "" {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var raw interface{}
	rawDec := json.NewDecoder(bytes.NewReader(content))
	rawDec.UseNumber()
	if err := rawDec.Decode(&raw); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := parseDurations(raw); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	if content, err = json.Marshal(raw); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	return nil
}
