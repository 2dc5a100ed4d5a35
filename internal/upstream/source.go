// Package upstream provides the byte sources the proxy reads remote bodies from.
package upstream

import (
	"context"
	"io"
	"net/http"

	"stream-proxy-go/internal/model"
)

// Source opens streams against a remote target.
type Source interface {
	Open(ctx context.Context, target model.Target) (Stream, error)
}

// Stream is an open upstream body. Read pulls at most len(p) bytes and
// returns io.EOF once the body is exhausted.
type Stream interface {
	io.ReadCloser

	// Length returns the total body length advertised by the origin, if any.
	Length() (int64, bool)
	StatusCode() int
	Header() http.Header
}
