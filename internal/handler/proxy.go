package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/response"
	"stream-proxy-go/internal/service"
)

// queryPattern matches query strings of URLs embedded in error messages.
var queryPattern = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)

// proxyPrefix is the route prefix stripped before the path is joined onto base_url.
const proxyPrefix = "/proxy"

// ProxyHandler is the connection side of a proxied request: it opens a
// response adapter, writes the upstream status and headers, then pulls the
// body from the adapter range by range.
type ProxyHandler struct {
	service  *service.ProxyService
	logger   *slog.Logger
	readSize int
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	readSize := cfg.Stream.ReadSize
	if readSize <= 0 {
		readSize = 64 * 1024
	}
	return &ProxyHandler{
		service:  svc,
		logger:   logger.With("component", "proxy_handler"),
		readSize: readSize,
	}
}

// Handle proxies the request upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	lr := &model.LocalRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   strings.TrimPrefix(req.URL.Path, proxyPrefix),
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.NewResponse(lr, h)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Close() }()

	if err := resp.Open(); err != nil {
		return h.mapError(c, err)
	}

	status := resp.Status()
	header := c.Response().Header()
	for key, vals := range service.FilterResponseHeaders(resp.Header()) {
		for _, v := range vals {
			header.Add(key, v)
		}
	}

	if req.Method == http.MethodHead {
		if cl := resp.Header().Get(echo.HeaderContentLength); cl != "" {
			header.Set(echo.HeaderContentLength, cl)
		}
		c.Response().WriteHeader(status)
		return nil
	}

	if n, ok := resp.ContentLength(); ok && bodyAllowed(status) {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(n, 10))
	}
	c.Response().WriteHeader(status)

	// Headers are already sent, so a failure here can only truncate the
	// response; it is logged for observability.
	if err := h.stream(c, resp); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
			"adapter_id", resp.ID(),
		)
	}
	return nil
}

// stream pulls the body from resp in read-size ranges until it is done.
func (h *ProxyHandler) stream(c echo.Context, resp *response.Adapter) error {
	w := c.Response()
	var offset int64
	for !resp.IsDone() {
		data, err := resp.ReadBytes(offset, h.readSize)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write to client: %w", err)
		}
		w.Flush()
		offset += int64(len(data))
	}
	return nil
}

// ResponseCompleted implements response.Observer.
func (h *ProxyHandler) ResponseCompleted(id string, delivered int64) {
	h.logger.Debug("proxy response delivered", "adapter_id", id, "bytes", delivered)
}

// ResponseAborted implements response.Observer.
func (h *ProxyHandler) ResponseAborted(id string, err error) {
	if errors.Is(err, response.ErrClosed) {
		h.logger.Debug("proxy response closed early", "adapter_id", id)
		return
	}
	h.logger.Warn("proxy response aborted", "adapter_id", id, "err", sanitizeError(err))
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrHostNotAllowed) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "upstream host not allowed",
		})
	}
	if errors.Is(err, service.ErrBadTarget) || errors.Is(err, response.ErrInvalidRequest) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid proxy request",
		})
	}
	if errors.Is(err, response.ErrRangeUnavailable) {
		return c.JSON(http.StatusRequestedRangeNotSatisfiable, map[string]string{
			"error": "range no longer available",
		})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}
	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	if errors.Is(err, response.ErrUpstreamConnect) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// bodyAllowed reports whether status permits a message body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// sanitizeError redacts query strings from URLs in error messages; they may carry tokens.
func sanitizeError(err error) string {
	return queryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}
