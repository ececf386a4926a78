// Package devnet is a single-node simulated ledger that speaks the same
// JSON-RPC dialect as a real node. It runs the token and associated token
// account programs, issues recency tokens from a block producer and keeps
// signature statuses for confirmation polling.
package devnet

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

const (
	// DefaultBlockInterval is used when Options leaves BlockInterval unset.
	DefaultBlockInterval = 400 * time.Millisecond
)

// Options configures a Server.
type Options struct {
	BlockInterval time.Duration
	FinalizeDepth uint64
	// StorePath is the LevelDB directory; empty keeps accounts in memory.
	StorePath string
	Logger    *zap.Logger
}

// Server handles HTTP requests for a devnet node
type Server struct {
	bank          *Bank
	chain         *Chain
	statuses      *StatusStore
	store         *AccountStore
	router        *mux.Router
	registry      *prometheus.Registry
	metrics       *nodeMetrics
	log           *zap.Logger
	blockInterval time.Duration
	finalizeDepth uint64
	done          chan struct{} // Signal channel for graceful shutdown
	closeOnce     sync.Once     // Ensures Close() is idempotent
}

// NewServer creates a node and starts its block producer.
func NewServer(opts Options) *Server {
	s := newServer(opts)
	s.done = make(chan struct{})
	go s.blockProducer()
	return s
}

// NewServerForTest creates a node without starting the block producer;
// tests advance the chain with ProduceBlock.
func NewServerForTest(opts Options) *Server {
	return newServer(opts)
}

func newServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := opts.BlockInterval
	if interval <= 0 {
		interval = DefaultBlockInterval
	}
	depth := opts.FinalizeDepth
	if depth == 0 {
		depth = DefaultFinalizeDepth
	}

	store := NewAccountStore(opts.StorePath, log)
	chain := NewChain()
	statuses := NewStatusStore()
	registry := prometheus.NewRegistry()

	s := &Server{
		bank:          NewBank(store, chain, statuses, log),
		chain:         chain,
		statuses:      statuses,
		store:         store,
		router:        mux.NewRouter(),
		registry:      registry,
		metrics:       newNodeMetrics(registry),
		log:           log,
		blockInterval: interval,
		finalizeDepth: depth,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleJSONRPC).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Router returns the HTTP router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Bank exposes genesis helpers such as CreateMint, MintTo and Airdrop.
func (s *Server) Bank() *Bank {
	return s.bank
}

// Store exposes the account store for inspection.
func (s *Server) Store() *AccountStore {
	return s.store
}

// ProduceBlock seals pending transactions into a new block.
func (s *Server) ProduceBlock() *protocol.Block {
	block := s.bank.Seal()
	s.metrics.blocks.Inc()
	s.metrics.height.Set(float64(block.Height))
	return block
}

// blockProducer seals a block every interval until Close.
func (s *Server) blockProducer() {
	ticker := time.NewTicker(s.blockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.log.Info("Block producer stopping")
			return
		case <-ticker.C:
			block := s.ProduceBlock()
			if len(block.Signatures) > 0 {
				s.log.Debug("Produced block",
					zap.Uint64("height", block.Height),
					zap.Int("txs", len(block.Signatures)))
			}
		}
	}
}

// Close stops the block producer and closes the account store. Safe to call
// more than once and on servers from NewServerForTest.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
		err = s.store.Close()
	})
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type nodeMetrics struct {
	transactions *prometheus.CounterVec
	blocks       prometheus.Counter
	height       prometheus.Gauge
	rpcRequests  *prometheus.CounterVec
}

func newNodeMetrics(reg prometheus.Registerer) *nodeMetrics {
	m := &nodeMetrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devnet",
			Name:      "transactions_total",
			Help:      "Transactions received, by result.",
		}, []string{"result"}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devnet",
			Name:      "blocks_produced_total",
			Help:      "Blocks sealed by the producer.",
		}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devnet",
			Name:      "block_height",
			Help:      "Height of the newest block.",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devnet",
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests, by method.",
		}, []string{"method"}),
	}
	reg.MustRegister(m.transactions, m.blocks, m.height, m.rpcRequests)
	return m
}
