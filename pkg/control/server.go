package control

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
)

const (
	DefaultShutdownTimeout = 5 * time.Second

	requestIDHeader = "X-Request-Id"
)

// Server serves the control API, liveness and metrics over HTTP
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     logging.Logger
	errCh      chan error
}

// NewServer binds address and prepares the router. A ":0" port picks a free one;
// Addr reports the bound address.
func NewServer(address string, handler domain.Contract, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewNetworkError("failed to bind control address", err).WithContext("address", address)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger(logger))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	RegisterHTTPHandler(router, handler, logger)

	return &Server{
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
		errCh:    make(chan error, 1),
	}, nil
}

// Addr is the address actually bound
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		s.logger.Infof("Control server started, address: %s", s.Addr())
		err := s.httpServer.Serve(s.listener)
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Control server stopped, error: %v", err)
			s.errCh <- err
		}
		close(s.errCh)
	}()
}

// Errors delivers a serve failure; it is closed when serving ends
func (s *Server) Errors() <-chan error {
	return s.errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.NewNetworkError("control server shutdown failed", err)
	}
	s.logger.Infof("Control server stopped")
	return nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Debugf("Request completed, method: %s, path: %s, status: %d, latency: %v, request id: %s",
			c.Request.Method, path, c.Writer.Status(), time.Since(start), c.GetString("request_id"))
	}
}
