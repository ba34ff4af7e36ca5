// Copyright (c) OpenMMLab. All rights reserved.

package dist

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"reduceall/logger"
	"reduceall/pkg/prom/metrics"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const gracefulStopTimeout = 5 * time.Second

// Server exposes a Store over gRPC and a small HTTP status API on one
// listener.
type Server struct {
	store      *Store
	lis        net.Listener
	grpcServer *grpc.Server
	httpServer *http.Server
	group      *errgroup.Group
	stopping   atomic.Bool
}

// Serve starts serving store on lis and returns immediately.
func Serve(lis net.Listener, store *Store) *Server {
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(metrics.MetricsInterceptor),
	)
	RegisterStoreServer(grpcServer, store)

	router := mux.NewRouter()
	NewStatusHandler(store).RegisterRoutes(router)

	s := &Server{
		store:      store,
		lis:        lis,
		grpcServer: grpcServer,
		httpServer: &http.Server{
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		group: new(errgroup.Group),
	}

	// Create a multiplexer
	m := cmux.New(lis)

	// Match gRPC requests, including the +json content subtype
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldPrefixSendSettings("content-type", "application/grpc"))

	// Match HTTP requests
	httpL := m.Match(cmux.HTTP1Fast())

	s.group.Go(func() error {
		logger.Logger.Info("Store gRPC server listening at", zap.String("addr", grpcL.Addr().String()))
		return s.ignoreWhenStopping(s.grpcServer.Serve(grpcL))
	})
	s.group.Go(func() error {
		logger.Logger.Info("Store HTTP server listening at", zap.String("addr", httpL.Addr().String()))
		return s.ignoreWhenStopping(s.httpServer.Serve(httpL))
	})
	s.group.Go(func() error {
		return s.ignoreWhenStopping(m.Serve())
	})

	return s
}

func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Stop drains in-flight RPCs, then closes the listener and waits for the
// serving goroutines.
func (s *Server) Stop() error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracefulStopTimeout):
		logger.Logger.Warn("Graceful stop timed out, forcing store shutdown")
		s.grpcServer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	s.lis.Close()

	err := s.group.Wait()
	logger.Logger.Info("Store stopped")
	return err
}

func (s *Server) ignoreWhenStopping(err error) error {
	if s.stopping.Load() {
		return nil
	}
	return err
}

// StatusHandler serves the store's HTTP endpoints.
type StatusHandler struct {
	store *Store
}

func NewStatusHandler(store *Store) *StatusHandler {
	return &StatusHandler{store: store}
}

func (h *StatusHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/group", h.handleGroup).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *StatusHandler) handleGroup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.store.Status())
}
