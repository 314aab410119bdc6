package spv

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func genesisChainState() ChainState {
	return ChainState{
		BlockHeight:    0,
		TotalWork:      big.NewInt(0x100010001),
		BestBlockHash:  *chaincfg.MainNetParams.GenesisHash,
		CurrentTarget:  0x1d00ffff,
		EpochStartTime: 1231006505,
		PrevTimestamps: []uint32{1231006505},
	}
}

func TestChainStateDigest(t *testing.T) {
	state := genesisChainState()
	digest, err := state.Digest()
	require.NoError(t, err)
	require.Equal(t,
		"0xe7ed3e42853c935776ee92d0e2d9f2fcbeae7b88d61e6650652dbd6553221596",
		digest.String())

	// A missing timestamp is the same as a zero one.
	state.PrevTimestamps = append(make([]uint32, 10), 1231006505)
	again, err := state.Digest()
	require.NoError(t, err)
	require.Equal(t, digest, again)

	state.PrevTimestamps = make([]uint32, 12)
	_, err = state.Digest()
	require.Error(t, err)

	state = genesisChainState()
	state.TotalWork = nil
	_, err = state.Digest()
	require.Error(t, err)

	state.TotalWork = new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = state.Digest()
	require.Error(t, err)
}

func TestChainStateDigestSensitivity(t *testing.T) {
	base := genesisChainState()
	digest, err := base.Digest()
	require.NoError(t, err)

	mutations := map[string]func(c *ChainState){
		"height":     func(c *ChainState) { c.BlockHeight++ },
		"work":       func(c *ChainState) { c.TotalWork = big.NewInt(1) },
		"best block": func(c *ChainState) { c.BestBlockHash[0] ^= 1 },
		"target":     func(c *ChainState) { c.CurrentTarget = 0x1c00ffff },
		"epoch":      func(c *ChainState) { c.EpochStartTime++ },
		"timestamps": func(c *ChainState) { c.PrevTimestamps = []uint32{1} },
	}
	for name, mutate := range mutations {
		c := genesisChainState()
		mutate(&c)
		got, err := c.Digest()
		require.NoError(t, err)
		require.NotEqual(t, digest, got, name)
	}
}

func TestChainStateJSON(t *testing.T) {
	state := genesisChainState()
	b, err := json.Marshal(state)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"block_height": 0,
		"total_work": "4295032833",
		"best_block_hash": "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
		"current_target": "26959535291011309493156476344723991336010898738574164086137773096960",
		"epoch_start_time": 1231006505,
		"prev_timestamps": [1231006505]
	}`, string(b))

	var decoded ChainState
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, state.BlockHeight, decoded.BlockHeight)
	require.Zero(t, state.TotalWork.Cmp(decoded.TotalWork))
	require.Equal(t, state.BestBlockHash, decoded.BestBlockHash)
	require.Equal(t, state.CurrentTarget, decoded.CurrentTarget)
	require.Equal(t, state.PrevTimestamps, decoded.PrevTimestamps)

	bad := []string{
		`{"total_work": "-1", "best_block_hash": "00", "current_target": "1"}`,
		`{"total_work": "x", "best_block_hash": "00", "current_target": "1"}`,
		`{"total_work": "1", "best_block_hash": "zz", "current_target": "1"}`,
		`{"total_work": "1", "best_block_hash": "00", "current_target": "0"}`,
		// Not representable in compact form.
		`{"total_work": "1", "best_block_hash": "00", "current_target": "16777217"}`,
	}
	for _, s := range bad {
		require.Error(t, json.Unmarshal([]byte(s), &decoded), s)
	}
}
