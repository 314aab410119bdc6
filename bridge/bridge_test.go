package bridge

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/bitcoin"
	"github.com/raitobridge/blockmmr/spv"
)

const testBits = 0x1d00ffff

// testChain returns linked blocks with i%3+1 transactions at height i.
func testChain(length int) []*wire.MsgBlock {
	blocks := make([]*wire.MsgBlock, length)
	var prev chainhash.Hash
	for i := range blocks {
		header := wire.NewBlockHeader(1, &prev, &chainhash.Hash{}, testBits, uint32(i)*7)
		header.Timestamp = time.Unix(1231006505+int64(i)*600, 0)
		block := wire.NewMsgBlock(header)

		for j := 0; j < i%3+1; j++ {
			tx := wire.NewMsgTx(wire.TxVersion)
			out := wire.NewOutPoint(&chainhash.Hash{byte(i), byte(j), 0xaa}, uint32(j))
			tx.AddTxIn(wire.NewTxIn(out, []byte{0x51}, nil))
			tx.AddTxOut(wire.NewTxOut(int64(1000*(j+1)), []byte{0x51}))
			_ = block.AddTransaction(tx)
		}
		txs := make([]*btcutil.Tx, len(block.Transactions))
		for k, tx := range block.Transactions {
			txs[k] = btcutil.NewTx(tx)
		}
		merkles := blockchain.BuildMerkleTreeStore(txs, false)
		block.Header.MerkleRoot = *merkles[len(merkles)-1]

		blocks[i] = block
		prev = block.Header.BlockHash()
	}
	return blocks
}

func leafOf(header wire.BlockHeader) blockmmr.Hash {
	return bitcoin.HeaderDigest(&header)
}

// fakeHeaders serves the headers of a fixed chain. Waiting for a header
// beyond the tip blocks until the context is done.
type fakeHeaders struct {
	mtx    sync.Mutex
	blocks []*wire.MsgBlock
}

func (f *fakeHeaders) header(height uint32) (wire.BlockHeader, chainhash.Hash, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if int(height) >= len(f.blocks) {
		return wire.BlockHeader{}, chainhash.Hash{}, fmt.Errorf("no block at %d", height)
	}
	h := f.blocks[height].Header
	return h, h.BlockHash(), nil
}

func (f *fakeHeaders) tip() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.blocks)
}

func (f *fakeHeaders) WaitBlockHeader(ctx context.Context, height, lag uint32) (wire.BlockHeader, chainhash.Hash, error) {
	for int(height)+int(lag) >= f.tip() {
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return wire.BlockHeader{}, chainhash.Hash{}, ctx.Err()
		}
	}
	return f.header(height)
}

func (f *fakeHeaders) GetBlockHeaderByHeight(ctx context.Context, height uint32) (wire.BlockHeader, chainhash.Hash, error) {
	return f.header(height)
}

// bindingProver proves with the chain state digest followed by the root.
type bindingProver struct{}

func (bindingProver) Prove(state spv.ChainState, root blockmmr.Hash) ([]byte, error) {
	digest, err := state.Digest()
	if err != nil {
		return nil, err
	}
	return append(digest[:], root[:]...), nil
}

type bindingCircuit struct{}

func (bindingCircuit) Verify(state spv.ChainState, root blockmmr.Hash, payload []byte) bool {
	expected, err := bindingProver{}.Prove(state, root)
	return err == nil && bytes.Equal(expected, payload)
}

// runIndexer runs ix until it indexed numBlocks blocks and returns a func
// stopping it.
func runIndexer(t *testing.T, ix *Indexer, numBlocks int) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	require.Eventually(t, func() bool {
		state, ok := ix.ChainState()
		return ok && int(state.BlockHeight) == numBlocks-1
	}, 5*time.Second, time.Millisecond)

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func txInclusion(t *testing.T, blocks []*wire.MsgBlock, height, index int) *bitcoin.TxInclusion {
	block := blocks[height]
	ids := make([]chainhash.Hash, len(block.Transactions))
	matched := make([]bool, len(ids))
	for i, tx := range block.Transactions {
		ids[i] = tx.TxHash()
	}
	matched[index] = true
	pmt, err := bitcoin.NewPartialMerkleTree(ids, matched)
	require.NoError(t, err)
	return &bitcoin.TxInclusion{
		Tx:     block.Transactions[index],
		Proof:  pmt.Bytes(),
		Header: block.Header,
		Height: uint32(height),
	}
}

type fakeNode struct {
	incs map[chainhash.Hash]*bitcoin.TxInclusion
}

func (n *fakeNode) GetTxInclusion(ctx context.Context, txid chainhash.Hash) (*bitcoin.TxInclusion, error) {
	inc, ok := n.incs[txid]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", txid)
	}
	return inc, nil
}
