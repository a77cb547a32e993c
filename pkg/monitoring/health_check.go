package monitoring

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processstate"
)

// HealthCheckType selects the liveness strategy of a service
type HealthCheckType string

const (
	// HealthCheckTypeProcess treats a running process as healthy
	HealthCheckTypeProcess HealthCheckType = "process"
	// HealthCheckTypeHTTP issues a GET and treats 2xx as healthy
	HealthCheckTypeHTTP HealthCheckType = "http"
)

const DefaultHealthCheckTimeout = 5 * time.Second

type HTTPHealthCheckConfig struct {
	URL     string
	Headers map[string]string
}

// HealthCheckConfig is a tagged variant: HTTP is only meaningful for HealthCheckTypeHTTP
type HealthCheckConfig struct {
	Type HealthCheckType
	HTTP HTTPHealthCheckConfig
}

// ConfigForURL returns an HTTP strategy for a non-empty URL and a process strategy otherwise
func ConfigForURL(url string) HealthCheckConfig {
	if url == "" {
		return HealthCheckConfig{Type: HealthCheckTypeProcess}
	}
	return HealthCheckConfig{Type: HealthCheckTypeHTTP, HTTP: HTTPHealthCheckConfig{URL: url}}
}

// PortBindHost is where declared ports of child services are dialed
const PortBindHost = "127.0.0.1"

// Target identifies what to probe. A non-zero Port is dialed before the
// configured check runs.
type Target struct {
	ServiceID string
	PID       int
	Port      int
	Config    HealthCheckConfig
}

// PortState reports the outcome of the port dial of a sample
type PortState string

const (
	PortNotChecked PortState = ""
	PortBound      PortState = "bound"
	PortUnbound    PortState = "unbound"
)

// Result is one liveness sample. Err is a HealthCheckError when Healthy is false.
type Result struct {
	Healthy   bool
	Message   string
	Err       error
	Port      PortState
	CheckedAt time.Time
	Duration  time.Duration
}

// Prober evaluates liveness for one target. Implementations must be safe
// for concurrent use and must return within their timeout.
type Prober interface {
	Probe(ctx context.Context, target Target) Result
}

type prober struct {
	client  *http.Client
	timeout time.Duration
	logger  logging.Logger
}

// NewProber returns the default Prober dispatching on HealthCheckConfig.Type
func NewProber(timeout time.Duration, logger logging.Logger) Prober {
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &prober{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

func (p *prober) Probe(ctx context.Context, target Target) Result {
	start := time.Now()
	var result Result
	port := PortNotChecked
	if target.Port > 0 {
		if result = p.checkPort(ctx, target); !result.Healthy {
			result.CheckedAt = start
			result.Duration = time.Since(start)
			return result
		}
		port = PortBound
	}
	switch target.Config.Type {
	case HealthCheckTypeHTTP:
		result = p.checkHTTP(ctx, target)
	case HealthCheckTypeProcess, "":
		result = p.checkProcess(target)
	default:
		result = failure(target, fmt.Sprintf("unsupported health check type: %s", target.Config.Type), nil)
	}
	result.Port = port
	result.CheckedAt = start
	result.Duration = time.Since(start)
	return result
}

func (p *prober) checkPort(ctx context.Context, target Target) Result {
	address := net.JoinHostPort(PortBindHost, strconv.Itoa(target.Port))
	p.logger.Debugf("Performing port bind check, service: %s, address: %s", target.ServiceID, address)

	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		result := failure(target, fmt.Sprintf("port %d is not bound", target.Port), err)
		result.Port = PortUnbound
		return result
	}
	conn.Close()
	return Result{Healthy: true, Message: fmt.Sprintf("port %d is bound", target.Port), Port: PortBound}
}

func (p *prober) checkHTTP(ctx context.Context, target Target) Result {
	url := target.Config.HTTP.URL
	p.logger.Debugf("Performing HTTP health check, service: %s, url: %s", target.ServiceID, url)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failure(target, "failed to create HTTP request", err)
	}
	for key, value := range target.Config.HTTP.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return failure(target, "HTTP request failed", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Healthy: true, Message: fmt.Sprintf("HTTP health check passed: %s", resp.Status)}
	}
	return failure(target, fmt.Sprintf("HTTP health check failed: %s", resp.Status), nil)
}

func (p *prober) checkProcess(target Target) Result {
	if target.PID <= 0 {
		return failure(target, "no process to check", nil)
	}
	running, err := processstate.IsProcessRunning(target.PID)
	if err != nil {
		return failure(target, "process check failed", err)
	}
	if !running {
		return failure(target, fmt.Sprintf("process %d is not running", target.PID), nil)
	}
	return Result{Healthy: true, Message: fmt.Sprintf("process %d is running", target.PID)}
}

func failure(target Target, message string, cause error) Result {
	err := errors.NewHealthCheckError(message, cause).
		WithContext("service", target.ServiceID).
		WithContext("type", string(target.Config.Type))
	msg := message
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", message, cause)
	}
	return Result{Healthy: false, Message: msg, Err: err}
}
