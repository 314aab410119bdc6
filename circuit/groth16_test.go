package circuit

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/spv"
)

func testState() spv.ChainState {
	return spv.ChainState{
		BlockHeight:    0,
		TotalWork:      big.NewInt(0x100010001),
		BestBlockHash:  *chaincfg.MainNetParams.GenesisHash,
		CurrentTarget:  0x1d00ffff,
		EpochStartTime: 1231006505,
		PrevTimestamps: []uint32{1231006505},
	}
}

func testRoot() blockmmr.Hash {
	root, _ := blockmmr.NewHashFromStr("0x19f148fb4f9b5e5bac1c12594b8e4b2d4b94d12c073b92e2b3d83349909613b6")
	return root
}

func TestGroth16ProveVerify(t *testing.T) {
	prover, err := NewGroth16Prover()
	require.NoError(t, err)
	verifier := NewGroth16Verifier(prover.VerifyingKey(), nil)

	state, root := testState(), testRoot()
	payload, err := prover.Prove(state, root)
	require.NoError(t, err)
	require.True(t, verifier.Verify(state, root, payload))

	otherRoot := root
	otherRoot[31] ^= 1
	require.False(t, verifier.Verify(state, otherRoot, payload))

	otherState := testState()
	otherState.BlockHeight = 1
	require.False(t, verifier.Verify(otherState, root, payload))

	require.False(t, verifier.Verify(state, root, nil))
	require.False(t, verifier.Verify(state, root, payload[:len(payload)/2]))

	// A proof from another setup doesn't verify.
	other, err := NewGroth16Prover()
	require.NoError(t, err)
	foreign, err := other.Prove(state, root)
	require.NoError(t, err)
	require.False(t, verifier.Verify(state, root, foreign))
}

func TestOpenGroth16Prover(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenGroth16Prover(dir)
	require.NoError(t, err)
	payload, err := first.Prove(testState(), testRoot())
	require.NoError(t, err)

	second, err := OpenGroth16Prover(dir)
	require.NoError(t, err)
	again, err := second.Prove(testState(), testRoot())
	require.NoError(t, err)

	vk, err := LoadVerifyingKey(dir + "/" + verifyingKeyFile)
	require.NoError(t, err)
	verifier := NewGroth16Verifier(vk, nil)
	require.True(t, verifier.Verify(testState(), testRoot(), payload))
	require.True(t, verifier.Verify(testState(), testRoot(), again))

	var buf bytes.Buffer
	_, err = vk.WriteTo(&buf)
	require.NoError(t, err)
	_, err = ReadVerifyingKey(bytes.NewReader(buf.Bytes()[:10]))
	require.Error(t, err)
}

func TestNewStatement(t *testing.T) {
	statement, err := NewStatement(testState(), testRoot())
	require.NoError(t, err)

	hi := statement.RootHi.(*big.Int)
	lo := statement.RootLo.(*big.Int)
	require.Equal(t, "19f148fb4f9b5e5bac1c12594b8e4b2d", hi.Text(16))
	require.Equal(t, "4b94d12c073b92e2b3d83349909613b6", lo.Text(16))

	bad := testState()
	bad.TotalWork = nil
	_, err = NewStatement(bad, testRoot())
	require.Error(t, err)
}
