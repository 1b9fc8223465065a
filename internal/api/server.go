// Package api exposes the trading engine's operator surface over HTTP, gRPC
// and a websocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"vesta/internal/config"
)

const shutdownGrace = 10 * time.Second

// Server hosts the HTTP and gRPC listeners.
type Server struct {
	cfg    config.Server
	run    *Runner
	hub    *Hub
	router *gin.Engine
	grpc   *grpc.Server
	http   *http.Server
	log    zerolog.Logger
}

// NewServer creates a Server over run. Alerts broadcast on hub are streamed
// at /api/v1/events; hub may be nil.
func NewServer(cfg config.Server, run *Runner, hub *Hub, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log), CommandLimit(cfg.CommandsPerMinute, cfg.CommandBurst))
	NewHandlers(run, log).Register(r)
	if hub != nil {
		r.GET("/api/v1/events", hub.Serve)
	}

	gs := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogger(log)))
	NewControlService(run).RegisterGRPC(gs)

	return &Server{
		cfg:    cfg,
		run:    run,
		hub:    hub,
		router: r,
		grpc:   gs,
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

// GRPC returns the gRPC server.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// ListenAndServe starts the HTTP and gRPC listeners and blocks until ctx is
// cancelled or a listener fails. It shuts both down before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.hub != nil {
		g.Go(func() error {
			if err := s.hub.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		s.log.Info().Str("addr", s.http.Addr).Msg("http listening")
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info().Str("addr", lis.Addr().String()).Msg("grpc listening")
		return s.grpc.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown stops both listeners, letting in-flight requests finish, then
// waits for cycles started remotely.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}

	s.run.Wait()
	return err
}
