package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/bitcoin"
	"github.com/raitobridge/blockmmr/spv"
)

type serviceEnv struct {
	acc     *blockmmr.Accumulator
	indexer *Indexer
	server  *Server
	http    *httptest.Server
	client  *Client
}

func newServiceEnv(t *testing.T, numBlocks int, proveInterval uint32) *serviceEnv {
	blocks := testChain(numBlocks)
	acc, err := blockmmr.NewAccumulator(nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	ix, err := NewIndexer(IndexerConfig{ProveInterval: proveInterval}, IndexerDeps{
		Headers:     &fakeHeaders{blocks: blocks},
		Accumulator: acc,
		Prover:      bindingProver{},
		Metrics:     metrics,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(runIndexer(t, ix, numBlocks))

	server, err := NewServer(ServerConfig{CacheTTL: time.Minute}, acc, ix, metrics, reg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, server.Stop(context.Background()))
	})

	client, err := NewClient(ts.URL, nil)
	require.NoError(t, err)
	return &serviceEnv{acc: acc, indexer: ix, server: server, http: ts, client: client}
}

func (e *serviceEnv) get(t *testing.T, path string) (int, string) {
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerHead(t *testing.T) {
	env := newServiceEnv(t, 9, 0)

	status, body := env.get(t, "/head")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "9", body)

	n, err := env.client.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), n)
}

func TestServerRoots(t *testing.T) {
	env := newServiceEnv(t, 9, 0)
	ctx := context.Background()

	for h := uint32(0); h < 9; h++ {
		roots, err := env.client.SparseRoots(ctx, h)
		require.NoError(t, err)
		require.Equal(t, h, roots.BlockHeight)

		stump, err := roots.Stump()
		require.NoError(t, err)
		expected, err := env.acc.StumpAt(uint64(h) + 1)
		require.NoError(t, err)
		require.Equal(t, expected.Root(), stump.Root())
	}

	status, _ := env.get(t, "/roots")
	require.Equal(t, http.StatusOK, status)
	status, _ = env.get(t, "/roots?chain_height=9")
	require.Equal(t, http.StatusNotFound, status)
	status, _ = env.get(t, "/roots?chain_height=abc")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestServerBlockInclusionProof(t *testing.T) {
	env := newServiceEnv(t, 15, 0)
	ctx := context.Background()

	for _, numLeaves := range []uint64{5, 8, 15} {
		stump, err := env.acc.StumpAt(numLeaves)
		require.NoError(t, err)
		for h := uint64(0); h < numLeaves; h++ {
			proof, err := env.client.BlockInclusionProof(ctx, uint32(h), numLeaves)
			require.NoError(t, err)
			require.Equal(t, numLeaves, proof.NumLeaves)

			leaf, err := env.acc.GetLeaf(h)
			require.NoError(t, err)
			require.NoError(t, proof.Verify(stump.Root(), leaf))
		}
	}

	// Served again from the cache.
	status, first := env.get(t, "/block-inclusion-proof/3?block_count=8")
	require.Equal(t, http.StatusOK, status)
	status, second := env.get(t, "/block-inclusion-proof/3?block_count=8")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, first, second)

	// Against the current accumulator when no count is given.
	status, body := env.get(t, "/block-inclusion-proof/3")
	require.Equal(t, http.StatusOK, status)
	var proof blockmmr.Proof
	require.NoError(t, json.Unmarshal([]byte(body), &proof))
	require.Equal(t, uint64(15), proof.NumLeaves)

	tests := map[string]int{
		"/block-inclusion-proof/3?block_count=16": http.StatusNotFound,
		"/block-inclusion-proof/8?block_count=8":  http.StatusBadRequest,
		"/block-inclusion-proof/x":                http.StatusBadRequest,
		"/block-inclusion-proof/3?block_count=-1": http.StatusBadRequest,
	}
	for path, want := range tests {
		status, _ := env.get(t, path)
		require.Equal(t, want, status, path)
	}

	_, err := env.client.BlockInclusionProof(ctx, 3, 16)
	require.True(t, errors.Is(err, spv.ErrStaleSnapshot), err)
}

func TestServerRecentProof(t *testing.T) {
	env := newServiceEnv(t, 7, 0)
	_, err := env.client.ChainStateProof(context.Background())
	require.Error(t, err)

	env = newServiceEnv(t, 7, 3)
	proof, err := env.client.ChainStateProof(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(6), proof.ChainState.BlockHeight)
	require.True(t, bindingCircuit{}.Verify(proof.ChainState, proof.Proof.AccumulatorRoot, proof.Proof.Payload))
}

func TestServerMetrics(t *testing.T) {
	env := newServiceEnv(t, 4, 0)
	env.get(t, "/head")
	env.get(t, "/block-inclusion-proof/1?block_count=4")
	env.get(t, "/block-inclusion-proof/1?block_count=4")

	status, body := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, `raito_bridge_requests_total{method="GET",path="/head",status="200"} 1`)
	require.Contains(t, body, `raito_bridge_cache_lookups_total{result="hit"} 1`)
	require.Contains(t, body, `raito_bridge_cache_lookups_total{result="miss"} 1`)
	require.Contains(t, body, "raito_bridge_blocks_indexed_total 4")
}

func TestFetchThroughService(t *testing.T) {
	env := newServiceEnv(t, 13, 4)
	blocks := env.indexer.deps.Headers.(*fakeHeaders).blocks

	// Block 9 has a single transaction.
	inc := txInclusion(t, blocks, 9, 0)
	node := &fakeNode{incs: map[chainhash.Hash]*bitcoin.TxInclusion{inc.Tx.TxHash(): inc}}
	fetcher := spv.NewFetcher(spv.FetcherConfig{
		IndexerURL:  env.http.URL,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		Timeout:     5 * time.Second,
	}, env.client, node, nil)

	// Proved at 12, the last block.
	proof, err := fetcher.Fetch(context.Background(), inc.Tx.TxHash())
	require.NoError(t, err)
	require.Equal(t, uint32(12), proof.ChainState.BlockHeight)
	require.Equal(t, uint64(13), proof.BlockProof.NumLeaves)
	require.Equal(t, uint32(4), proof.Confirmations())

	verifier := spv.NewVerifier(bindingCircuit{}, spv.VerifierConfig{}, nil)
	require.NoError(t, verifier.Verify(proof, true))

	artifact, err := spv.EncodeProof(proof)
	require.NoError(t, err)
	_, err = verifier.VerifyArtifact(artifact, true)
	require.NoError(t, err)
}

func TestClientServiceErrors(t *testing.T) {
	clientFor := func(status int) *Client {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": "busy"}`))
		}))
		t.Cleanup(ts.Close)
		client, err := NewClient(ts.URL, nil)
		require.NoError(t, err)
		return client
	}

	_, err := clientFor(http.StatusServiceUnavailable).Head(context.Background())
	require.True(t, errors.Is(err, spv.ErrServiceUnavailable), err)
	require.ErrorContains(t, err, "busy")

	_, err = clientFor(http.StatusBadRequest).Head(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, spv.ErrServiceUnavailable), err)
}
