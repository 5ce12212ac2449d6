package metricsserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/scrape-worker/internal/common/configtypes"
	"github.com/edgecomet/scrape-worker/internal/common/httputil"
)

const healthPath = "/health"

// MetricsHandler interface for metrics collectors
type MetricsHandler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// StatusFunc reports whether the process is healthy plus details for the health endpoint
type StatusFunc func() (ok bool, data interface{})

// Server is a standalone HTTP listener exposing metrics and a liveness probe
type Server struct {
	server *fasthttp.Server
	addr   net.Addr
	logger *zap.Logger
}

// Start binds the metrics listener and serves it in the background.
// Returns a nil *Server when metrics are disabled; bind errors are returned
// synchronously. status may be nil.
func Start(cfg configtypes.MetricsConfig, handler MetricsHandler, status StatusFunc, logger *zap.Logger) (*Server, error) {
	if !cfg.Enabled {
		logger.Info("Metrics collection disabled")
		return nil, nil
	}
	if handler == nil {
		return nil, fmt.Errorf("metrics handler is required")
	}

	ln, err := net.Listen("tcp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics listener %s: %w", cfg.Listen, err)
	}

	s := &Server{
		server: &fasthttp.Server{
			Handler:            createHandler(cfg.Path, handler, status),
			Name:               "ScrapeWorker-Metrics",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			MaxRequestBodySize: 1 * 1024,
			TCPKeepalive:       true,
			TCPKeepalivePeriod: 30 * time.Second,
			MaxConnsPerIP:      100,
			MaxRequestsPerConn: 1000,
			Concurrency:        100,
		},
		addr:   ln.Addr(),
		logger: logger,
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", s.addr.String()),
			zap.String("path", cfg.Path))

		if err := s.server.Serve(ln); err != nil {
			logger.Error("Metrics server stopped",
				zap.String("listen", s.addr.String()),
				zap.Error(err))
		}
	}()

	return s, nil
}

// Addr is the bound listen address
func (s *Server) Addr() string {
	return s.addr.String()
}

// Shutdown stops the listener. Safe on a nil *Server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.server.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	s.logger.Info("Metrics server stopped")
	return nil
}

func createHandler(metricsPath string, metrics MetricsHandler, status StatusFunc) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case metricsPath:
			metrics.ServeHTTP(ctx)
		case healthPath:
			if status == nil {
				httputil.WriteEnvelope(ctx, true, "", nil)
				return
			}
			ok, data := status()
			httputil.WriteEnvelope(ctx, ok, "", data)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("Not Found")
		}
	}
}
