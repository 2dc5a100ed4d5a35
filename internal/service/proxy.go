// Package service builds proxy responses for local requests.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/response"
	"stream-proxy-go/internal/upstream"
)

// ErrHostNotAllowed is returned when a request targets a host outside the allowlist.
var ErrHostNotAllowed = errors.New("upstream host not allowed")

// ErrBadTarget is returned when the requested upstream URL cannot be used.
var ErrBadTarget = errors.New("invalid upstream target")

// targetParam names the query parameter carrying an absolute upstream URL.
const targetParam = "url"

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"Content-Length",
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
}

// forwardableResponseHeaders are the only response headers forwarded to the client.
// Content-Length is decided by the adapter, not copied.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Encoding": true,
	"Content-Range":    true,
	"Accept-Ranges":    true,
	"Cache-Control":    true,
	"Etag":             true,
	"Last-Modified":    true,
	"Expires":          true,
	"Date":             true,
	"X-Request-Id":     true,
}

const userAgent = "stream-proxy-go/1.0"

// ProxyService resolves local requests to upstream targets and wraps them
// in response adapters.
type ProxyService struct {
	source  upstream.Source
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL *url.URL
	allowed map[string]bool
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(src upstream.Source, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	allowed := make(map[string]bool)
	for _, h := range cfg.Upstream.Hosts() {
		allowed[strings.ToLower(h)] = true
	}
	if !allowed[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return &ProxyService{
		source:  src,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		baseURL: u,
		allowed: allowed,
	}, nil
}

// NewResponse resolves the upstream target for lr and returns an adapter
// for it. The upstream is not contacted until the adapter is opened or read.
// The caller owns the adapter and must close it.
func (s *ProxyService) NewResponse(lr *model.LocalRequest, obs response.Observer) (*response.Adapter, error) {
	target, err := s.resolveTarget(lr)
	if err != nil {
		return nil, err
	}

	opts := []response.Option{
		response.WithLogger(s.logger),
		response.WithMetrics(s.metrics),
		response.WithObserver(obs),
		response.WithChunkSize(s.cfg.Stream.ChunkSize),
		response.WithRetain(s.cfg.Stream.RetainBytes),
	}
	if lr.Method == http.MethodHead {
		opts = append(opts, response.WithKnownLength(0))
	}

	s.logger.Debug("proxying request",
		"method", lr.Method,
		"host", target.URL.Host,
		"path", target.URL.Path,
	)
	return response.New(lr, target, s.source, opts...), nil
}

// resolveTarget builds the upstream request. An absolute URL in the "url"
// query parameter wins; otherwise the local path is joined onto base_url.
func (s *ProxyService) resolveTarget(lr *model.LocalRequest) (model.Target, error) {
	var u *url.URL
	query := make(url.Values)
	for k, v := range lr.Query {
		query[k] = v
	}

	if raw := query.Get(targetParam); raw != "" {
		query.Del(targetParam)
		parsed, err := url.Parse(raw)
		if err != nil {
			return model.Target{}, fmt.Errorf("%w: %w", ErrBadTarget, err)
		}
		if parsed.Scheme != "https" && (parsed.Scheme != "http" || !s.cfg.Upstream.AllowInsecure) {
			return model.Target{}, fmt.Errorf("%w: scheme %q", ErrBadTarget, parsed.Scheme)
		}
		if parsed.User != nil {
			return model.Target{}, fmt.Errorf("%w: credentials in URL", ErrBadTarget)
		}
		u = parsed
		for k, v := range u.Query() {
			query[k] = v
		}
	} else {
		base := *s.baseURL
		u = &base
		// Clean the local path on its own so ".." cannot climb out of base_url.
		u.Path = path.Join("/", s.baseURL.Path, path.Clean("/"+lr.Path))
		if strings.HasSuffix(lr.Path, "/") && !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		u.RawPath = ""
	}

	if !s.allowed[strings.ToLower(u.Hostname())] {
		return model.Target{}, fmt.Errorf("%w: %q", ErrHostNotAllowed, u.Hostname())
	}
	u.RawQuery = query.Encode()
	u.Fragment = ""

	return model.Target{
		URL:    u,
		Method: lr.Method,
		Header: s.filterRequestHeaders(lr.Header),
		Body:   lr.Body,
	}, nil
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

// FilterResponseHeaders returns the upstream headers that may reach the client.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}
