package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr"
)

const defaultShardSize = 10000

// ErrSnapshotConflict is returned when a snapshot would overwrite a different
// one already written for the same height.
var ErrSnapshotConflict = errors.New("conflicting sparse roots snapshot")

// SinkConfig configures where sparse roots snapshots go.
type SinkConfig struct {
	// Dir is the root of the shard directories.
	Dir string `json:"dir"`

	// ShardSize is the number of heights per shard directory.
	ShardSize uint32 `json:"shard_size"`
}

// SparseRootsSink writes one JSON file per height, grouped in shard
// directories named after the height that ends them.
type SparseRootsSink struct {
	config SinkConfig
	logger *zap.Logger
}

// NewSparseRootsSink creates the output directory if needed.
func NewSparseRootsSink(config SinkConfig, logger *zap.Logger) (*SparseRootsSink, error) {
	if config.ShardSize == 0 {
		config.ShardSize = defaultShardSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sparse roots dir %s: %w", config.Dir, err)
	}

	logger = logger.Named("sink")
	logger.Info("sparse roots sink initialized",
		zap.String("dir", config.Dir),
		zap.Uint32("shard_size", config.ShardSize))
	return &SparseRootsSink{config: config, logger: logger}, nil
}

// Path returns the file the snapshot for the height lives in.
func (s *SparseRootsSink) Path(height uint32) string {
	shardEnd := uint64(height/s.config.ShardSize+1) * uint64(s.config.ShardSize)
	return filepath.Join(s.config.Dir,
		strconv.FormatUint(shardEnd, 10),
		fmt.Sprintf("block_%d.json", height))
}

// Write stores the snapshot. Writing the same snapshot again is a no-op and
// writing a different one for a height already written fails with
// ErrSnapshotConflict.
func (s *SparseRootsSink) Write(roots blockmmr.SparseRoots) error {
	content, err := json.MarshalIndent(roots, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sparse roots %d: %w", roots.BlockHeight, err)
	}

	path := s.Path(roots.BlockHeight)
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if !bytes.Equal(existing, content) {
			return fmt.Errorf("%w: block %d at %s", ErrSnapshotConflict, roots.BlockHeight, path)
		}
		return nil
	case !os.IsNotExist(err):
		return err
	}

	if err := writeFileAtomic(path, content); err != nil {
		return fmt.Errorf("failed to write sparse roots %d: %w", roots.BlockHeight, err)
	}
	s.logger.Debug("sparse roots written",
		zap.Uint32("block_height", roots.BlockHeight),
		zap.String("path", path))
	return nil
}

// Read returns the snapshot written for the height.
func (s *SparseRootsSink) Read(height uint32) (blockmmr.SparseRoots, error) {
	content, err := os.ReadFile(s.Path(height))
	if err != nil {
		return blockmmr.SparseRoots{}, err
	}
	roots := blockmmr.SparseRoots{BlockHeight: height}
	if err := json.Unmarshal(content, &roots); err != nil {
		return blockmmr.SparseRoots{}, fmt.Errorf("sparse roots %d: %w", height, err)
	}
	return roots, nil
}

// writeFileAtomic writes through a temporary file so readers never see a
// partial file.
func writeFileAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
