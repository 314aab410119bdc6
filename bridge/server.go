package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/spv"
)

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	// Addr is the address to listen on.
	Addr string `json:"addr"`

	// CacheTTL is how long computed proofs and roots are kept.
	CacheTTL time.Duration `json:"cache_ttl"`
}

// ChainStateSource hands out the most recent chain state proof.
type ChainStateSource interface {
	RecentProof() (*spv.ChainStateProof, bool)
}

var _ ChainStateSource = (*Indexer)(nil)

// Server serves roots and proofs of the accumulator over HTTP.
//
//	GET /head                                    number of blocks indexed
//	GET /roots?chain_height=H                    sparse roots after block H
//	GET /block-inclusion-proof/:height?block_count=N
//	GET /chainstate-proof/recent_proof
//	GET /metrics
type Server struct {
	config     ServerConfig
	acc        blockmmr.ProofSource
	states     ChainStateSource
	cache      *bigcache.BigCache
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer sets up the routes. metrics and gatherer may be nil.
func NewServer(config ServerConfig, acc blockmmr.ProofSource, states ChainStateSource,
	metrics *Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {

	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 10 * time.Minute
	}

	cacheConfig := bigcache.DefaultConfig(config.CacheTTL)
	cacheConfig.Shards = 64
	cacheConfig.MaxEntriesInWindow = 4096
	cacheConfig.MaxEntrySize = 2048
	cacheConfig.Verbose = false
	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if metrics != nil {
		router.Use(metrics.Middleware())
	}

	s := &Server{
		config:   config,
		acc:      acc,
		states:   states,
		cache:    cache,
		metrics:  metrics,
		gatherer: gatherer,
		router:   router,
		logger:   logger.Named("server"),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/head", s.getHead)
	s.router.GET("/roots", s.getRoots)
	s.router.GET("/block-inclusion-proof/:height", s.getBlockInclusionProof)
	s.router.GET("/chainstate-proof/recent_proof", s.getRecentProof)
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("http service listening", zap.String("addr", s.config.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http service failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the service down, waiting at most 5 seconds for requests in
// flight.
func (s *Server) Stop(ctx context.Context) error {
	defer s.cache.Close()
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop http service: %w", err)
	}
	s.logger.Info("http service stopped")
	return nil
}

func abort(c *gin.Context, status int, format string, args ...interface{}) {
	c.AbortWithStatusJSON(status, gin.H{"error": fmt.Sprintf(format, args...)})
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

// cached serves the cached response under key, computing and caching it on
// a miss. Only responses that can't change belong here.
func (s *Server) cached(c *gin.Context, key string, compute func() (interface{}, int, error)) {
	if body, err := s.cache.Get(key); err == nil {
		s.metrics.cacheLookup(true)
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
		return
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		s.logger.Warn("response cache read failed", zap.String("key", key), zap.Error(err))
	}
	s.metrics.cacheLookup(false)

	v, status, err := compute()
	if err != nil {
		abort(c, status, "%v", err)
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		abort(c, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := s.cache.Set(key, body); err != nil {
		s.logger.Warn("response cache write failed", zap.String("key", key), zap.Error(err))
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

func (s *Server) getHead(c *gin.Context) {
	c.JSON(http.StatusOK, s.acc.GetNumLeaves())
}

func (s *Server) getRoots(c *gin.Context) {
	numLeaves := s.acc.GetNumLeaves()
	if numLeaves == 0 {
		abort(c, http.StatusNotFound, "no blocks indexed yet")
		return
	}

	height := uint32(numLeaves - 1)
	if q := c.Query("chain_height"); q != "" {
		h, err := parseUint32(q)
		if err != nil {
			abort(c, http.StatusBadRequest, "invalid chain_height %q", q)
			return
		}
		if uint64(h) >= numLeaves {
			abort(c, http.StatusNotFound, "block %d not indexed yet", h)
			return
		}
		height = h
	}

	s.cached(c, fmt.Sprintf("roots/%d", height), func() (interface{}, int, error) {
		stump, err := s.acc.StumpAt(uint64(height) + 1)
		if err != nil {
			return nil, statusOf(err), err
		}
		return stump.SparseRoots(height), 0, nil
	})
}

func (s *Server) getBlockInclusionProof(c *gin.Context) {
	height, err := parseUint32(c.Param("height"))
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid block height %q", c.Param("height"))
		return
	}

	current := s.acc.GetNumLeaves()
	blockCount := current
	if q := c.Query("block_count"); q != "" {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			abort(c, http.StatusBadRequest, "invalid block_count %q", q)
			return
		}
		if n > current {
			abort(c, http.StatusNotFound, "block count %d not reached, %d blocks indexed", n, current)
			return
		}
		blockCount = n
	}
	if uint64(height) >= blockCount {
		abort(c, http.StatusBadRequest, "block %d not in the first %d blocks", height, blockCount)
		return
	}

	s.cached(c, fmt.Sprintf("proof/%d/%d", height, blockCount), func() (interface{}, int, error) {
		proof, err := s.acc.ProveAt(uint64(height), blockCount)
		if err != nil {
			return nil, statusOf(err), err
		}
		return proof, 0, nil
	})
}

func (s *Server) getRecentProof(c *gin.Context) {
	if s.states == nil {
		abort(c, http.StatusNotFound, "no chain state proof")
		return
	}
	proof, ok := s.states.RecentProof()
	if !ok {
		abort(c, http.StatusNotFound, "no chain state proof yet")
		return
	}
	c.JSON(http.StatusOK, proof)
}

// statusOf maps history errors to a status. Missing nodes mean the state
// asked for is no longer served.
func statusOf(err error) int {
	if errors.Is(err, blockmmr.ErrNodeNotFound) {
		return http.StatusGone
	}
	return http.StatusInternalServerError
}
