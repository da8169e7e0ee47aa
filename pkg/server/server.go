package server

import (
	"context"
	"net"
	"sync"

	"github.com/dhashemi/chatline/pkg/datastore"
	"github.com/dhashemi/chatline/pkg/namepool"
)

// Dispatcher hands a per-connection task off for execution. The default
// dispatcher runs each task in its own goroutine; tests substitute a
// synchronous one.
type Dispatcher func(task func())

// Dependencies are the injected backends the server routes through.
type Dependencies struct {
	Store datastore.DataProviderFactory
	Names *namepool.Pool
}

// Server accepts client connections and runs a session per connection.
type Server struct {
	cfg      Config
	store    datastore.DataProviderFactory
	router   *Router
	metrics  *Metrics
	dispatch Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	ln    net.Listener
	fatal error
}

// New creates a server from configuration and dependencies.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMetrics()
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		router:   NewRouter(deps.Store, deps.Names, m, cfg.MediaDir),
		metrics:  m,
		dispatch: func(task func()) { go task() },
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Router exposes the presence directory, mainly for tests.
func (s *Server) Router() *Router { return s.router }

// Metrics exposes the server counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// SetDispatcher replaces the per-connection dispatcher. Must be called
// before Run.
func (s *Server) SetDispatcher(d Dispatcher) {
	if d != nil {
		s.dispatch = d
	}
}

func (s *Server) setFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

func (s *Server) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}
