package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/model"
)

// HTTPSource opens upstream streams over HTTP(S).
type HTTPSource struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewHTTPSource creates an HTTPSource with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The client has no overall timeout because bodies are pulled incrementally
// for as long as the connection keeps reading; the configured timeout bounds
// the wait for response headers instead.
func NewHTTPSource(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HTTPSource {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTPSource{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_http"),
		metrics: m,
	}
}

// Open sends the request described by target and returns its body as a Stream.
// The caller is responsible for closing the stream. The context controls the
// lifetime of the whole upstream exchange, body included.
func (s *HTTPSource) Open(ctx context.Context, target model.Target) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, target.Method, target.String(), target.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if target.Header != nil {
		req.Header = target.Header
	}

	s.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := s.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via Stream
	duration := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if s.metrics != nil {
			s.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if s.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		s.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		s.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &httpStream{resp: resp}, nil
}

type httpStream struct {
	resp *http.Response
}

func (s *httpStream) Read(p []byte) (int, error) { return s.resp.Body.Read(p) }
func (s *httpStream) Close() error               { return s.resp.Body.Close() }
func (s *httpStream) StatusCode() int            { return s.resp.StatusCode }
func (s *httpStream) Header() http.Header        { return s.resp.Header }

// Length reports the Content-Length of the response. HEAD responses and
// bodiless statuses carry no bytes regardless of the advertised length.
func (s *httpStream) Length() (int64, bool) {
	if s.resp.Request != nil && s.resp.Request.Method == http.MethodHead {
		return 0, true
	}
	switch s.resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return 0, true
	}
	if s.resp.ContentLength < 0 {
		return 0, false
	}
	return s.resp.ContentLength, true
}
