package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 500 * time.Millisecond
	defaultPollInterval  = 10 * time.Second
)

// ClientConfig is what's needed to reach a node.
type ClientConfig struct {
	// URL of the node RPC, ex: http://127.0.0.1:8332.
	URL string `json:"url"`

	// UserPass is the optional "user:password" for basic auth.
	UserPass string `json:"userpwd"`

	// CookiePath is the node's auth cookie, used when no password is given
	// in UserPass or URL. Defaults to DefaultCookiePath.
	CookiePath string `json:"cookie_path"`

	// RetryAttempts is how many times a call is tried before giving up.
	RetryAttempts int `json:"retry_attempts"`

	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration `json:"retry_backoff"`

	// PollInterval is how long to wait for a new block.
	PollInterval time.Duration `json:"poll_interval"`
}

// TxInclusion is everything the node gives about a confirmed transaction.
type TxInclusion struct {
	Tx     *wire.MsgTx
	Proof  []byte
	Header wire.BlockHeader
	Height uint32
}

// Client talks to a Bitcoin node over JSON-RPC. Every call is retried.
type Client struct {
	rpc    *rpcclient.Client
	config ClientConfig
	logger *zap.Logger

	// blockCount is the last block count seen minus the lag.
	blockCount uint32
}

// DefaultCookiePath is where bitcoind writes its mainnet auth cookie.
func DefaultCookiePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".bitcoin", ".cookie")
	}
	return filepath.Join(home, ".bitcoin", ".cookie")
}

// NewClient returns a client for the node at cfg.URL. No connection is made
// until the first call.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid node url %q", cfg.URL)
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         u.Host + u.Path,
		HTTPPostMode: true,
		DisableTLS:   u.Scheme != "https",
	}
	if cfg.UserPass != "" {
		user, pass, _ := strings.Cut(cfg.UserPass, ":")
		connCfg.User = user
		connCfg.Pass = pass
	} else if u.User != nil {
		connCfg.User = u.User.Username()
		connCfg.Pass, _ = u.User.Password()
	}

	if connCfg.Pass == "" {
		if cfg.CookiePath == "" {
			cfg.CookiePath = DefaultCookiePath()
		}
		// rpcclient only reads the cookie on the first call.
		if _, err := os.ReadFile(cfg.CookiePath); err != nil {
			return nil, fmt.Errorf("no node password given and no readable auth cookie: %w", err)
		}
		connCfg.CookiePath = cfg.CookiePath
	}

	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create node client: %w", err)
	}

	return &Client{
		rpc:    rpc,
		config: cfg,
		logger: logger.Named("bitcoin"),
	}, nil
}

// Close shuts down the underlying RPC client.
func (c *Client) Close() {
	c.rpc.Shutdown()
}

// retry calls op until it succeeds, the attempts run out or ctx is done.
func (c *Client) retry(ctx context.Context, method string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.config.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Debug("node call failed",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < c.config.RetryAttempts-1 {
			select {
			case <-time.After(c.config.RetryBackoff * time.Duration(attempt+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w",
		method, c.config.RetryAttempts, lastErr)
}

// GetBlockCount returns the height of the node's best block.
func (c *Client) GetBlockCount(ctx context.Context) (uint32, error) {
	var count int64
	err := c.retry(ctx, "getblockcount", func() error {
		var err error
		count, err = c.rpc.GetBlockCount()
		return err
	})
	return uint32(count), err
}

// GetBlockHash returns the hash of the block at the given height.
func (c *Client) GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error) {
	var hash *chainhash.Hash
	err := c.retry(ctx, "getblockhash", func() error {
		var err error
		hash, err = c.rpc.GetBlockHash(int64(height))
		return err
	})
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *hash, nil
}

// GetBlockHeader returns the header of the block with the given hash.
func (c *Client) GetBlockHeader(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error) {
	var header *wire.BlockHeader
	err := c.retry(ctx, "getblockheader", func() error {
		var err error
		header, err = c.rpc.GetBlockHeader(&hash)
		return err
	})
	if err != nil {
		return wire.BlockHeader{}, err
	}
	return *header, nil
}

// GetBlockHeight returns the height of the block with the given hash.
func (c *Client) GetBlockHeight(ctx context.Context, hash chainhash.Hash) (uint32, error) {
	var height int32
	err := c.retry(ctx, "getblockheader", func() error {
		res, err := c.rpc.GetBlockHeaderVerbose(&hash)
		if err != nil {
			return err
		}
		height = res.Height
		return nil
	})
	return uint32(height), err
}

// GetBlockHeaderByHeight returns the header and the hash of the block at the
// given height.
func (c *Client) GetBlockHeaderByHeight(ctx context.Context, height uint32) (wire.BlockHeader, chainhash.Hash, error) {
	hash, err := c.GetBlockHash(ctx, height)
	if err != nil {
		return wire.BlockHeader{}, chainhash.Hash{}, err
	}
	header, err := c.GetBlockHeader(ctx, hash)
	if err != nil {
		return wire.BlockHeader{}, chainhash.Hash{}, err
	}
	return header, hash, nil
}

// WaitBlockHeader returns the header at the given height once lag blocks
// were built on top of it. It isn't safe for concurrent use.
func (c *Client) WaitBlockHeader(ctx context.Context, height, lag uint32) (wire.BlockHeader, chainhash.Hash, error) {
	for height >= c.blockCount {
		count, err := c.GetBlockCount(ctx)
		if err != nil {
			return wire.BlockHeader{}, chainhash.Hash{}, err
		}
		// The count is the best height so there are count+1 blocks.
		c.blockCount = 0
		if count+1 > lag {
			c.blockCount = count + 1 - lag
		}
		if height < c.blockCount {
			c.logger.Debug("new block count", zap.Uint32("count", c.blockCount))
			break
		}

		select {
		case <-time.After(c.config.PollInterval):
		case <-ctx.Done():
			return wire.BlockHeader{}, chainhash.Hash{}, ctx.Err()
		}
	}
	return c.GetBlockHeaderByHeight(ctx, height)
}

// rawHex makes a raw call whose result is a hex string and decodes it.
func (c *Client) rawHex(ctx context.Context, method string, params ...interface{}) ([]byte, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}

	var out []byte
	err := c.retry(ctx, method, func() error {
		res, err := c.rpc.RawRequest(method, raw)
		if err != nil {
			return err
		}
		var s string
		if err := json.Unmarshal(res, &s); err != nil {
			return fmt.Errorf("unexpected %s result: %w", method, err)
		}
		out, err = hex.DecodeString(s)
		return err
	})
	return out, err
}

// GetTxInclusion returns the transaction, its partial merkle tree and the
// header and height of the block that has it.
func (c *Client) GetTxInclusion(ctx context.Context, txid chainhash.Hash) (*TxInclusion, error) {
	c.logger.Info("fetching transaction proof", zap.Stringer("txid", txid))

	raw, err := c.rawHex(ctx, "gettxoutproof", []string{txid.String()})
	if err != nil {
		return nil, err
	}
	header, pmt, err := ParseTxOutProof(raw)
	if err != nil {
		return nil, err
	}
	blockHash := header.BlockHash()

	rawTx, err := c.rawHex(ctx, "getrawtransaction", txid.String(), false, blockHash.String())
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", txid, err)
	}
	if tx.TxHash() != txid {
		return nil, fmt.Errorf("node returned transaction %s for %s", tx.TxHash(), txid)
	}

	height, err := c.GetBlockHeight(ctx, blockHash)
	if err != nil {
		return nil, err
	}

	return &TxInclusion{
		Tx:     tx,
		Proof:  pmt.Bytes(),
		Header: header,
		Height: height,
	}, nil
}
