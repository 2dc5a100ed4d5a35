// Package response serves a streamed upstream body to the local connection
// through a byte-range read interface.
//
// An Adapter tracks three offsets: how far the connection has been served
// (delivered), how far bytes have been pulled from the upstream (read
// offset), and the total length of the resource once it is known. The
// buffer always holds the contiguous range [readOffset-len(buf), readOffset)
// and is trimmed behind the delivered offset, so memory stays bounded by one
// read window plus the configured history.
package response

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"

	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/upstream"
)

// DefaultChunkSize is the most bytes requested from the upstream per read.
const DefaultChunkSize = 32 * 1024

// maxEmptyReads bounds consecutive (0, nil) reads before the upstream is
// considered stuck.
const maxEmptyReads = 100

// Observer is told when an adapter finishes. The adapter never owns it.
type Observer interface {
	ResponseCompleted(id string, delivered int64)
	ResponseAborted(id string, err error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics enables adapter metrics recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithObserver registers the owner to notify on completion or abort.
func WithObserver(o Observer) Option {
	return func(a *Adapter) { a.observer = o }
}

// WithChunkSize caps each upstream read at n bytes.
func WithChunkSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// WithRetain keeps n bytes of history behind the delivered offset so that
// short backward reads can still be served from memory.
func WithRetain(n int64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.retain = n
		}
	}
}

// WithKnownLength fixes the total length before the upstream is opened.
func WithKnownLength(n int64) Option {
	return func(a *Adapter) {
		if n >= 0 {
			a.total, a.totalKnown = n, true
		}
	}
}

// Adapter is the proxy response for a single local request. It is bound to
// one connection. Calls to Open and ReadBytes are serialized: a second
// concurrent call waits for the first to return. Close may be called from
// any goroutine and unblocks a pending read.
type Adapter struct {
	id       string
	req      *model.LocalRequest
	target   model.Target
	source   upstream.Source
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer Observer

	chunkSize int
	retain    int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// readMu is held across upstream I/O.
	readMu sync.Mutex

	mu         sync.Mutex
	state      State
	stream     upstream.Stream
	status     int
	header     http.Header
	total      int64
	totalKnown bool
	delivered  int64
	readOffset int64
	buf        []byte
	pending    int
	eof        bool
	done       bool
	closed     bool
	notified   bool
	err        error
	highWater  int
}

// New creates an adapter for req that will fetch target from src. No
// upstream connection is made until the first Open or ReadBytes.
func New(req *model.LocalRequest, target model.Target, src upstream.Source, opts ...Option) *Adapter {
	parent := context.Background()
	if req != nil && req.Ctx != nil {
		parent = req.Ctx
	}
	ctx, cancel := context.WithCancel(parent)

	a := &Adapter{
		id:        uuid.NewString(),
		req:       req,
		target:    target,
		source:    src,
		logger:    slog.Default(),
		chunkSize: DefaultChunkSize,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "proxy_response", "adapter_id", a.id)
	return a
}

// ID returns the adapter identifier used in logs and notifications.
func (a *Adapter) ID() string { return a.id }

// Request returns the local request the adapter serves.
func (a *Adapter) Request() *model.LocalRequest { return a.req }

// Open connects to the upstream if that has not happened yet. It is safe to
// call more than once; later calls return the recorded failure, if any.
func (a *Adapter) Open() error {
	a.readMu.Lock()
	defer a.readMu.Unlock()
	return a.open()
}

// open requires readMu.
func (a *Adapter) open() error {
	a.mu.Lock()
	if err := a.errLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	if a.state != StateNotConnected {
		a.mu.Unlock()
		return nil
	}
	a.state = StateConnecting
	a.mu.Unlock()

	stream, err := a.source.Open(a.ctx, a.target)
	if err != nil {
		return a.fail(wrap(ErrUpstreamConnect, err))
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	}
	a.stream = stream
	a.state = StateStreaming
	a.status = stream.StatusCode()
	a.header = stream.Header()
	if n, ok := stream.Length(); ok {
		switch {
		case !a.totalKnown:
			a.total, a.totalKnown = n, true
		case n != a.total:
			a.logger.Warn("upstream length differs from known length",
				"advertised", n,
				"known", a.total,
			)
		}
	}
	if a.totalKnown && a.total == 0 {
		a.eof = true
	}
	total, known := a.total, a.totalKnown
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.AdaptersActive.Inc()
	}
	a.logger.Debug("upstream opened",
		"status", stream.StatusCode(),
		"length", total,
		"length_known", known,
	)
	return nil
}

// ReadBytes returns up to length bytes of the resource starting at offset.
// The result is shorter than length only at end-of-stream, and empty when
// offset is at the end. Reads below the retained buffer fail with
// ErrRangeUnavailable. Any failure is recorded and returned again by every
// later call.
func (a *Adapter) ReadBytes(offset int64, length int) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, a.fail(wrap(ErrInvalidRequest, fmt.Errorf("offset %d, length %d", offset, length)))
	}
	// No resource extends past MaxInt64, so offset+length must not overflow.
	if rem := math.MaxInt64 - offset; int64(length) > rem {
		length = int(rem)
	}

	a.readMu.Lock()
	defer a.readMu.Unlock()

	a.mu.Lock()
	if err := a.errLocked(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if a.totalKnown {
		total := a.total
		if offset == total {
			// Nothing left to serve; the upstream is not touched.
			a.delivered = offset
			a.pending = 0
			stream, notify := a.completeLocked()
			a.mu.Unlock()
			a.finish(stream, notify)
			return []byte{}, nil
		}
		if offset > total {
			a.mu.Unlock()
			return nil, a.fail(wrap(ErrInvalidRequest, fmt.Errorf("offset %d beyond length %d", offset, total)))
		}
	}
	if a.done {
		a.mu.Unlock()
		return nil, a.fail(wrap(ErrRangeUnavailable, fmt.Errorf("offset %d requested after the response completed", offset)))
	}
	if start := a.bufStartLocked(); offset < start {
		a.mu.Unlock()
		return nil, a.fail(wrap(ErrRangeUnavailable, fmt.Errorf("offset %d is before retained start %d", offset, start)))
	}
	a.pending = length
	connect := a.state == StateNotConnected
	a.mu.Unlock()

	if connect {
		if err := a.open(); err != nil {
			return nil, err
		}
	}
	if err := a.fill(offset); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if err := a.errLocked(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	out := []byte{}
	end := min(offset+int64(length), a.readOffset)
	if offset < end {
		start := a.bufStartLocked()
		out = make([]byte, end-offset)
		copy(out, a.buf[offset-start:end-start])
		a.delivered = end
	} else {
		// The upstream ended before offset.
		a.delivered = a.readOffset
	}
	a.pending = 0
	a.trimLocked(a.delivered - a.retain)
	stream, notify := a.settleLocked()
	a.mu.Unlock()

	if a.metrics != nil && len(out) > 0 {
		a.metrics.BytesDelivered.Add(float64(len(out)))
	}
	a.finish(stream, notify)
	return out, nil
}

// fill pulls upstream chunks until the pending read at offset is covered,
// the upstream is exhausted, or a read fails. Short upstream reads loop
// using the retained pending length. Requires readMu.
func (a *Adapter) fill(offset int64) error {
	empty := 0
	for {
		a.mu.Lock()
		if err := a.errLocked(); err != nil {
			a.mu.Unlock()
			return err
		}
		want := offset + int64(a.pending)
		if a.totalKnown && want > a.total {
			want = a.total
		}
		if a.eof || a.readOffset >= want {
			a.mu.Unlock()
			return nil
		}
		// Bytes skipped by a forward read are never referenceable again.
		a.trimLocked(offset - a.retain)

		size := a.chunkSize
		if a.totalKnown {
			if rem := a.total - a.readOffset; rem < int64(size) {
				size = int(rem)
			}
		}
		a.buf = slices.Grow(a.buf, size)
		dst := a.buf[len(a.buf) : len(a.buf)+size]
		stream := a.stream
		a.mu.Unlock()

		n, err := stream.Read(dst)

		a.mu.Lock()
		if err := a.errLocked(); err != nil {
			a.mu.Unlock()
			return err
		}
		if n > 0 {
			a.buf = a.buf[:len(a.buf)+n]
			a.readOffset += int64(n)
			a.highWater = max(a.highWater, len(a.buf))
			empty = 0
		}
		reachedEnd := a.totalKnown && a.readOffset >= a.total
		if reachedEnd {
			a.eof = true
		}
		if !reachedEnd && errors.Is(err, io.EOF) {
			if a.totalKnown {
				read, total := a.readOffset, a.total
				a.mu.Unlock()
				return a.fail(wrap(ErrUpstreamRead, fmt.Errorf("%w after %d of %d bytes", io.ErrUnexpectedEOF, read, total)))
			}
			a.total, a.totalKnown = a.readOffset, true
			a.eof = true
		}
		a.mu.Unlock()

		if a.metrics != nil && n > 0 {
			a.metrics.BytesPulled.Add(float64(n))
		}

		switch {
		case reachedEnd || errors.Is(err, io.EOF):
		case err != nil:
			return a.fail(wrap(ErrUpstreamRead, err))
		case n == 0:
			empty++
			if empty >= maxEmptyReads {
				return a.fail(wrap(ErrUpstreamRead, io.ErrNoProgress))
			}
		}
	}
}

// ContentLength returns the total length and whether it is known yet.
func (a *Adapter) ContentLength() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.totalKnown
}

// IsChunked reports whether the connection must stream without a length.
func (a *Adapter) IsChunked() bool {
	_, known := a.ContentLength()
	return !known
}

// IsDone reports whether every byte of the resource has been delivered.
// Once true it stays true.
func (a *Adapter) IsDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Offset returns the delivered offset.
func (a *Adapter) Offset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delivered
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the recorded failure, if any.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Status returns the upstream status code, or 0 before the upstream is open.
func (a *Adapter) Status() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Header returns the upstream response headers, or nil before the upstream is open.
func (a *Adapter) Header() http.Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.header
}

// Close releases the upstream stream and drops buffered data. Calling it
// again is a no-op.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()

		a.mu.Lock()
		a.closed = true
		notify := !a.notified
		a.notified = true
		stream := a.releaseLocked()
		a.mu.Unlock()

		a.closeStream(stream)
		if notify && a.observer != nil {
			a.observer.ResponseAborted(a.id, ErrClosed)
		}
	})
	return nil
}

// fail records err as the terminal failure unless one is already recorded,
// and returns the recorded failure.
func (a *Adapter) fail(err error) error {
	a.mu.Lock()
	if recorded := a.errLocked(); recorded != nil {
		a.mu.Unlock()
		return recorded
	}
	a.err = err
	notify := !a.notified
	a.notified = true
	stream := a.releaseLocked()
	a.mu.Unlock()

	a.closeStream(stream)
	a.cancel()

	if a.metrics != nil {
		a.metrics.AdapterFailures.WithLabelValues(FailureKind(err)).Inc()
	}
	a.logger.Warn("proxy response failed", "err", err, "host", a.targetHost())
	if notify && a.observer != nil {
		a.observer.ResponseAborted(a.id, err)
	}
	return err
}

func (a *Adapter) errLocked() error {
	if a.err != nil {
		return a.err
	}
	if a.closed {
		return ErrClosed
	}
	return nil
}

func (a *Adapter) bufStartLocked() int64 {
	return a.readOffset - int64(len(a.buf))
}

// trimLocked drops buffered bytes below keepFrom, compacting in place so the
// buffer's capacity does not creep forward.
func (a *Adapter) trimLocked(keepFrom int64) {
	drop := keepFrom - a.bufStartLocked()
	if drop <= 0 {
		return
	}
	drop = min(drop, int64(len(a.buf)))
	n := copy(a.buf, a.buf[drop:])
	a.buf = a.buf[:n]
}

// settleLocked moves a stream that reached end-of-stream to draining, or to
// closed once everything pulled has been delivered.
func (a *Adapter) settleLocked() (upstream.Stream, bool) {
	if a.state == StateClosed || !a.eof {
		return nil, false
	}
	if a.delivered < a.readOffset {
		a.state = StateDraining
		return nil, false
	}
	return a.completeLocked()
}

func (a *Adapter) completeLocked() (upstream.Stream, bool) {
	a.done = true
	notify := !a.notified
	a.notified = true
	return a.releaseLocked(), notify
}

func (a *Adapter) releaseLocked() upstream.Stream {
	s := a.stream
	a.stream = nil
	a.state = StateClosed
	a.buf = nil
	if s != nil && a.metrics != nil {
		a.metrics.BufferHighWater.Observe(float64(a.highWater))
	}
	return s
}

// finish closes a completed stream and tells the observer.
func (a *Adapter) finish(s upstream.Stream, notify bool) {
	if s != nil {
		a.closeStream(s)
		a.cancel()
	}
	if !notify {
		return
	}
	a.logger.Debug("proxy response complete", "delivered", a.Offset())
	if a.observer != nil {
		a.observer.ResponseCompleted(a.id, a.Offset())
	}
}

func (a *Adapter) closeStream(s upstream.Stream) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		a.logger.Debug("closing upstream stream", "err", err)
	}
	if a.metrics != nil {
		a.metrics.AdaptersActive.Dec()
	}
}

func (a *Adapter) targetHost() string {
	if a.target.URL == nil {
		return ""
	}
	return a.target.URL.Host
}
