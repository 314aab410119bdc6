package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/spv"
)

const maxResponseSize = 16 << 20

// Client talks to the HTTP service. It's the fetcher's indexer client.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

var _ spv.IndexerClient = (*Client)(nil)

// NewClient returns a client of the service at baseURL.
func NewClient(baseURL string, logger *zap.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid service url %q: %w", baseURL, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.Named("bridge_client"),
	}, nil
}

// statusError is a non 200 response.
type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("service returned %d: %s", e.status, e.message)
}

// Unwrap makes server side failures retryable by the fetcher.
func (e *statusError) Unwrap() error {
	if e.status >= http.StatusInternalServerError {
		return spv.ErrServiceUnavailable
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	c.logger.Debug("request", zap.String("url", u))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			message = e.Error
		}
		return &statusError{status: resp.StatusCode, message: message}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: failed to decode response: %w", path, err)
	}
	return nil
}

// Head returns the number of blocks indexed.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	var n uint64
	if err := c.get(ctx, "/head", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// SparseRoots returns the sparse roots of the accumulator right after the
// block at chainHeight was added.
func (c *Client) SparseRoots(ctx context.Context, chainHeight uint32) (blockmmr.SparseRoots, error) {
	query := url.Values{"chain_height": {strconv.FormatUint(uint64(chainHeight), 10)}}
	roots := blockmmr.SparseRoots{BlockHeight: chainHeight}
	if err := c.get(ctx, "/roots", query, &roots); err != nil {
		return blockmmr.SparseRoots{}, err
	}
	return roots, nil
}

// ChainStateProof returns the most recent chain state proof.
func (c *Client) ChainStateProof(ctx context.Context) (*spv.ChainStateProof, error) {
	var proof spv.ChainStateProof
	if err := c.get(ctx, "/chainstate-proof/recent_proof", nil, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

// BlockInclusionProof returns the proof of the block against the accumulator
// of numLeaves leaves. When the service can't serve that accumulator the
// error wraps spv.ErrStaleSnapshot.
func (c *Client) BlockInclusionProof(ctx context.Context, blockHeight uint32, numLeaves uint64) (blockmmr.Proof, error) {
	path := "/block-inclusion-proof/" + strconv.FormatUint(uint64(blockHeight), 10)
	query := url.Values{"block_count": {strconv.FormatUint(numLeaves, 10)}}

	var proof blockmmr.Proof
	err := c.get(ctx, path, query, &proof)
	if se, ok := err.(*statusError); ok &&
		(se.status == http.StatusNotFound || se.status == http.StatusGone) {
		return blockmmr.Proof{}, fmt.Errorf("%w: %v", spv.ErrStaleSnapshot, se)
	}
	if err != nil {
		return blockmmr.Proof{}, err
	}
	return proof, nil
}
