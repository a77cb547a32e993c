package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

// DefaultClientTimeout bounds a control request whose context has no
// deadline. Stop waits for the grace period on the server side, so it has
// to exceed it.
const DefaultClientTimeout = 60 * time.Second

// NewHTTPClientGateway returns a Contract that talks to a remote control server
func NewHTTPClientGateway(address string, logger logging.Logger) domain.Contract {
	if logger == nil {
		logger = logging.Nop()
	}
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &httpClientGateway{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{},
		logger:  logger,
	}
}

type httpClientGateway struct {
	baseURL string
	client  *http.Client
	logger  logging.Logger
}

func (gw *httpClientGateway) Status(ctx context.Context) (*supervisor.Snapshot, error) {
	var snap supervisor.Snapshot
	if err := gw.call(ctx, http.MethodGet, "/status", &snap); err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return nil, err
	}
	gw.logger.Debugf("Status client gateway done")
	return &snap, nil
}

func (gw *httpClientGateway) ServiceStatus(ctx context.Context, id string) (supervisor.ServiceState, error) {
	var st supervisor.ServiceState
	if err := gw.call(ctx, http.MethodGet, "/status/"+id, &st); err != nil {
		gw.logger.Errorf("ServiceStatus client gateway: %v", err)
		return supervisor.ServiceState{}, err
	}
	return st, nil
}

func (gw *httpClientGateway) Start(ctx context.Context, id string) error {
	if err := gw.call(ctx, http.MethodPost, "/start/"+id, nil); err != nil {
		gw.logger.Errorf("Start client gateway: %v", err)
		return err
	}
	gw.logger.Debugf("Start client gateway done, service: %s", id)
	return nil
}

func (gw *httpClientGateway) Stop(ctx context.Context, id string) error {
	if err := gw.call(ctx, http.MethodPost, "/stop/"+id, nil); err != nil {
		gw.logger.Errorf("Stop client gateway: %v", err)
		return err
	}
	gw.logger.Debugf("Stop client gateway done, service: %s", id)
	return nil
}

func (gw *httpClientGateway) StopAll(ctx context.Context) error {
	if err := gw.call(ctx, http.MethodPost, "/stop", nil); err != nil {
		gw.logger.Errorf("StopAll client gateway: %v", err)
		return err
	}
	gw.logger.Debugf("StopAll client gateway done")
	return nil
}

// requestContext keeps the caller's deadline and applies DefaultClientTimeout
// only when there is none
func requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultClientTimeout)
}

// call performs one request and decodes the envelope's data into out.
// Server-side errors come back as DomainErrors of the same type.
func (gw *httpClientGateway) call(ctx context.Context, method, path string, out interface{}) error {
	ctx, cancel := requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, gw.baseURL+path, nil)
	if err != nil {
		return errors.NewValidationError("failed to build request", err).WithContext("path", path)
	}
	resp, err := gw.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.NewTimeoutError("control request timed out", err).WithContext("path", path)
		}
		return errors.NewNetworkError("control server unreachable", err).WithContext("url", gw.baseURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewNetworkError("failed to read response", err).WithContext("path", path)
	}

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *ErrorBody      `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errors.NewInternalError(fmt.Sprintf("unexpected response (HTTP %d)", resp.StatusCode), err).
			WithContext("path", path)
	}
	if envelope.Error != nil {
		errorType := envelope.Error.Type
		if errorType == "" {
			errorType = errors.ErrorTypeInternal
		}
		return errors.NewDomainError(errorType, envelope.Error.Message, nil)
	}
	if resp.StatusCode/100 != 2 {
		return errors.NewInternalError(fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode), nil).
			WithContext("path", path)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errors.NewInternalError("failed to decode response data", err).WithContext("path", path)
		}
	}
	return nil
}
