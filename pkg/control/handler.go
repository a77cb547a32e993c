package control

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// Response is the JSON envelope of every control endpoint
type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Type    errors.ErrorType `json:"type"`
	Message string           `json:"message"`
}

// RegisterHTTPHandler mounts the control endpoints on router
func RegisterHTTPHandler(router gin.IRouter, handler domain.Contract, logger logging.Logger) {
	h := &httpServerHandler{handler: handler, logger: logger}
	router.GET("/status", h.Status)
	router.GET("/status/:id", h.ServiceStatus)
	router.POST("/stop", h.StopAll)
	router.POST("/stop/:id", h.Stop)
	router.POST("/start/:id", h.Start)
}

type httpServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *httpServerHandler) Status(c *gin.Context) {
	snap, err := h.handler.Status(c.Request.Context())
	if err != nil {
		h.fail(c, "Status", err)
		return
	}
	h.logger.Debugf("Status server handler done")
	c.JSON(http.StatusOK, Response{Data: snap})
}

func (h *httpServerHandler) ServiceStatus(c *gin.Context) {
	st, err := h.handler.ServiceStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "ServiceStatus", err)
		return
	}
	c.JSON(http.StatusOK, Response{Data: st})
}

func (h *httpServerHandler) Stop(c *gin.Context) {
	id := c.Param("id")
	if err := h.handler.Stop(c.Request.Context(), id); err != nil {
		h.fail(c, "Stop", err)
		return
	}
	h.logger.Infof("Stop server handler done, service: %s", id)
	h.respondWithState(c, id)
}

func (h *httpServerHandler) StopAll(c *gin.Context) {
	if err := h.handler.StopAll(c.Request.Context()); err != nil {
		h.fail(c, "StopAll", err)
		return
	}
	h.logger.Infof("StopAll server handler done")
	h.Status(c)
}

func (h *httpServerHandler) Start(c *gin.Context) {
	id := c.Param("id")
	if err := h.handler.Start(c.Request.Context(), id); err != nil {
		h.fail(c, "Start", err)
		return
	}
	h.logger.Infof("Start server handler done, service: %s", id)
	h.respondWithState(c, id)
}

func (h *httpServerHandler) respondWithState(c *gin.Context, id string) {
	st, err := h.handler.ServiceStatus(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "ServiceStatus", err)
		return
	}
	c.JSON(http.StatusOK, Response{Data: st})
}

func (h *httpServerHandler) fail(c *gin.Context, operation string, err error) {
	code := httpStatusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Errorf("%s server handler: %v", operation, err)
	} else {
		h.logger.Warnf("%s server handler: %v", operation, err)
	}
	c.JSON(code, Response{Error: &ErrorBody{Type: errors.TypeOf(err), Message: err.Error()}})
}

func httpStatusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.IsValidationError(err):
		return http.StatusBadRequest
	case errors.IsCancelledError(err), errors.IsTimeoutError(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
