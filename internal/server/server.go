// Package server runs the reconciler process: the broker consumer plus the
// operator HTTP, metrics and gRPC health listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "cmdb-reconciler"

// Runner is implemented by *consumer.Consumer.
type Runner interface {
	Run(ctx context.Context) error
	Connected() bool
}

type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	// HealthInterval is how often the consumer state is copied into the
	// gRPC health status.
	HealthInterval time.Duration
}

// Server owns the listeners and the consumer for one process lifetime.
type Server struct {
	cfg     Config
	runner  Runner
	logger  *zap.Logger
	health  *health.Server
	grpc    *grpc.Server
	http    *http.Server
	metrics *http.Server

	mu        sync.Mutex
	bound     bool
	listeners map[string]net.Listener
}

// New wires the servers. metrics may be nil to disable the metrics listener.
func New(cfg Config, r Runner, handler, metrics http.Handler, logger *zap.Logger) (*Server, error) {
	if r == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("http handler is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Second
	}

	s := &Server{
		cfg:       cfg,
		runner:    r,
		logger:    logger,
		health:    health.NewServer(),
		grpc:      grpc.NewServer(),
		http:      &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		listeners: make(map[string]net.Listener),
	}
	if metrics != nil {
		s.metrics = &http.Server{Handler: metrics, ReadHeaderTimeout: 10 * time.Second}
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setServing(false)
	return s, nil
}

// Listen binds every configured address. Empty addresses are skipped.
func (s *Server) Listen() error {
	binds := []struct{ name, addr string }{
		{"grpc", s.cfg.GRPCAddr},
		{"http", s.cfg.HTTPAddr},
	}
	if s.metrics != nil {
		binds = append(binds, struct{ name, addr string }{"metrics", s.cfg.MetricsAddr})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range binds {
		if b.addr == "" {
			continue
		}
		lis, err := net.Listen("tcp", b.addr)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			s.listeners = make(map[string]net.Listener)
			return fmt.Errorf("failed to listen on %s: %w", b.addr, err)
		}
		s.listeners[b.name] = lis
	}
	s.bound = true
	return nil
}

// Addr returns the bound address of the named listener (grpc, http or
// metrics), or "" if it is not listening.
func (s *Server) Addr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[name]; ok {
		return l.Addr().String()
	}
	return ""
}

// Serve runs until ctx is cancelled or the consumer stops, then shuts the
// listeners down. It returns the consumer's error, if any.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	var wg sync.WaitGroup
	if lis, ok := listeners["grpc"]; ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("grpc serve error", zap.Error(err))
			}
		}()
	}
	if lis, ok := listeners["http"]; ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("HTTP server listening", zap.String("addr", lis.Addr().String()))
			if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http serve error", zap.Error(err))
			}
		}()
	}
	if lis, ok := listeners["metrics"]; ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("Prometheus metrics available", zap.String("addr", lis.Addr().String()))
			if err := s.metrics.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics serve error", zap.Error(err))
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		s.watchHealth(runCtx)
	}()

	runErr := s.runner.Run(runCtx)
	if runErr != nil {
		s.logger.Error("consumer stopped", zap.Error(runErr))
	}
	cancel()
	<-healthDone

	s.shutdown()
	wg.Wait()
	s.logger.Info("shutdown complete")
	return runErr
}

func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	last := false
	for {
		if up := s.runner.Connected(); up != last {
			s.setServing(up)
			last = up
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) setServing(up bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) shutdown() {
	s.logger.Info("shutdown initiated")
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", zap.Error(err))
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
