/*
Package server exposes commands and executions over HTTP and serves the observer WebSocket.

The Server wires together explicitly constructed services (the command catalog, the execution ledger, the subscription router, and the execution coordinator) and owns their background tasks for the lifetime of Run.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/shellui/command"
	"github.com/guseggert/shellui/ledger"
	"github.com/guseggert/shellui/process"
	"github.com/guseggert/shellui/router"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Version is reported by the health endpoint.
var Version = "dev"

const shutdownMessage = "Server is shutting down"

type Server struct {
	log             *zap.SugaredLogger
	listenAddr      string
	shutdownTimeout time.Duration
	storageName     string

	catalog *command.Catalog
	ledger  *ledger.Ledger
	router  *router.Router
	coord   *process.Coordinator

	handler   http.Handler
	startedAt time.Time

	addrMut sync.Mutex
	addr    net.Addr
	ready   chan struct{}
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithShutdownTimeout bounds how long Run waits for observers, HTTP requests, and processes when stopping.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithStorageName sets the storage description reported by the stats endpoint.
func WithStorageName(name string) Option {
	return func(s *Server) {
		s.storageName = name
	}
}

func New(catalog *command.Catalog, l *ledger.Ledger, r *router.Router, coord *process.Coordinator, opts ...Option) *Server {
	s := &Server{
		log:             zap.NewNop().Sugar(),
		listenAddr:      "127.0.0.1:3001",
		shutdownTimeout: 10 * time.Second,
		storageName:     "memory",
		catalog:         catalog,
		ledger:          l,
		router:          r,
		coord:           coord,
		startedAt:       time.Now(),
		ready:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr blocks until Run is listening, or ctx is done, and returns the listen address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		s.addrMut.Lock()
		defer s.addrMut.Unlock()
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run loads persisted executions, serves HTTP, persists the ledger, and watches the command
// config until ctx is done, then shuts everything down in order: HTTP serving stops,
// running executions are stopped, observers are told the server is stopping and
// disconnected, and the ledger is flushed one last time.
func (s *Server) Run(ctx context.Context) error {
	if err := s.ledger.Load(ctx); err != nil {
		s.log.Errorf("starting with an empty ledger: %s", err)
	}

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.router.SetServerPort(tcpAddr.Port)
	}
	s.addrMut.Lock()
	s.addr = ln.Addr()
	s.addrMut.Unlock()
	close(s.ready)
	s.log.Infow("listening", "Addr", ln.Addr().String(), "Commands", len(s.catalog.List()))

	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistErr := make(chan error, 1)
	go func() { persistErr <- s.ledger.Run(persistCtx) }()

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		if err := s.catalog.Watch(groupCtx); err != nil {
			s.log.Errorf("config hot reload disabled: %s", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return s.shutdown(httpServer)
	})

	err = group.Wait()

	stopPersist()
	if perr := <-persistErr; perr != nil {
		err = errors.Join(err, fmt.Errorf("final ledger flush: %w", perr))
	}
	s.log.Info("stopped")
	return err
}

func (s *Server) shutdown(httpServer *http.Server) error {
	s.log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	// observer connections are hijacked, so they outlive the HTTP shutdown
	// and still receive the complete events of the executions stopped below
	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down HTTP server: %w", err))
	}
	if err := s.coord.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping executions: %w", err))
	}
	s.router.Shutdown(ctx, shutdownMessage)
	return errors.Join(errs...)
}
