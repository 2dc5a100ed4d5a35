// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// LocalRequest is the client request that triggered the proxy. The adapter
// only reads its method and headers; it never mutates it.
type LocalRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.ReadCloser
}

// Target is the resolved upstream location for a proxied request.
type Target struct {
	URL    *url.URL
	Method string
	Header http.Header
	Body   io.Reader
}

// String returns the target URL.
func (t Target) String() string {
	if t.URL == nil {
		return ""
	}
	return t.URL.String()
}
