package response

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/upstream"
)

// fakeSource serves data in chunks of at most chunk bytes.
type fakeSource struct {
	data    []byte
	chunk   int
	length  int64
	known   bool
	openErr error
	readErr error
	failAt  int

	mu     sync.Mutex
	opens  int
	stream *fakeStream
}

func (s *fakeSource) Open(_ context.Context, _ model.Target) (upstream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.stream = &fakeStream{src: s}
	return s.stream, nil
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type fakeStream struct {
	src    *fakeSource
	pos    int
	reads  int
	closes int
}

func (st *fakeStream) Read(p []byte) (int, error) {
	st.reads++
	if st.src.readErr != nil && st.pos >= st.src.failAt {
		return 0, st.src.readErr
	}
	if st.pos >= len(st.src.data) {
		return 0, io.EOF
	}
	n := min(len(p), len(st.src.data)-st.pos)
	if st.src.chunk > 0 {
		n = min(n, st.src.chunk)
	}
	copy(p, st.src.data[st.pos:st.pos+n])
	st.pos += n
	return n, nil
}

func (st *fakeStream) Close() error { st.closes++; return nil }
func (st *fakeStream) StatusCode() int { return http.StatusOK }
func (st *fakeStream) Length() (int64, bool) { return st.src.length, st.src.known }
func (st *fakeStream) Header() http.Header {
	return http.Header{"Content-Type": {"application/octet-stream"}}
}

// pattern returns n bytes that differ at every position mod 251.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func testTarget() model.Target {
	u, _ := url.Parse("https://media.example.com/file.bin")
	return model.Target{URL: u, Method: http.MethodGet}
}

func newTestAdapter(src upstream.Source, opts ...Option) *Adapter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(&model.LocalRequest{Ctx: context.Background(), Method: http.MethodGet}, testTarget(), src, opts...)
}

type recordingObserver struct {
	mu        sync.Mutex
	completed []int64
	aborted   []error
}

func (o *recordingObserver) ResponseCompleted(_ string, delivered int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, delivered)
}

func (o *recordingObserver) ResponseAborted(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborted = append(o.aborted, err)
}

func TestAdapter_KnownLengthInChunks(t *testing.T) {
	data := pattern(1000)
	src := &fakeSource{data: data, chunk: 256, length: 1000, known: true}
	a := newTestAdapter(src)
	defer func() { _ = a.Close() }()

	first, err := a.ReadBytes(0, 500)
	if err != nil {
		t.Fatalf("ReadBytes(0, 500) error = %v", err)
	}
	if len(first) != 500 {
		t.Fatalf("len(first) = %d, want 500", len(first))
	}
	if a.IsDone() {
		t.Error("IsDone() = true after first read, want false")
	}
	if n, ok := a.ContentLength(); !ok || n != 1000 {
		t.Errorf("ContentLength() = (%d, %v), want (1000, true)", n, ok)
	}

	second, err := a.ReadBytes(500, 500)
	if err != nil {
		t.Fatalf("ReadBytes(500, 500) error = %v", err)
	}
	if len(second) != 500 {
		t.Fatalf("len(second) = %d, want 500", len(second))
	}
	if !a.IsDone() {
		t.Error("IsDone() = false after last byte, want true")
	}

	got := append(first, second...)
	if !bytes.Equal(got, data) {
		t.Error("delivered bytes do not match upstream content")
	}
	if src.stream.closes != 1 {
		t.Errorf("stream closes = %d, want 1", src.stream.closes)
	}
	if a.State() != StateClosed {
		t.Errorf("State() = %v, want %v", a.State(), StateClosed)
	}
}

func TestAdapter_UnknownLengthRevealedAtEOF(t *testing.T) {
	data := pattern(300)
	src := &fakeSource{data: data, chunk: 100}
	a := newTestAdapter(src, WithChunkSize(100))
	defer func() { _ = a.Close() }()

	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := a.ContentLength(); ok {
		t.Error("ContentLength() known before EOF")
	}
	if !a.IsChunked() {
		t.Error("IsChunked() = false with unknown length")
	}

	first, err := a.ReadBytes(0, 150)
	if err != nil {
		t.Fatalf("ReadBytes(0, 150) error = %v", err)
	}
	if len(first) != 150 {
		t.Fatalf("len(first) = %d, want 150", len(first))
	}
	if _, ok := a.ContentLength(); ok {
		t.Error("ContentLength() known before EOF was observed")
	}

	rest, err := a.ReadBytes(150, 1000)
	if err != nil {
		t.Fatalf("ReadBytes(150, 1000) error = %v", err)
	}
	if len(rest) != 150 {
		t.Fatalf("len(rest) = %d, want 150 (short read at end-of-stream)", len(rest))
	}
	if n, ok := a.ContentLength(); !ok || n != 300 {
		t.Errorf("ContentLength() = (%d, %v), want (300, true)", n, ok)
	}
	if !a.IsDone() {
		t.Error("IsDone() = false after EOF and full delivery")
	}
	if !bytes.Equal(append(first, rest...), data) {
		t.Error("delivered bytes do not match upstream content")
	}
}

func TestAdapter_ReadAtKnownEndDoesNotFetch(t *testing.T) {
	src := &fakeSource{data: pattern(10), length: 10, known: true}
	a := newTestAdapter(src, WithKnownLength(10))
	defer func() { _ = a.Close() }()

	got, err := a.ReadBytes(10, 5)
	if err != nil {
		t.Fatalf("ReadBytes(10, 5) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0", len(got))
	}
	if src.openCount() != 0 {
		t.Errorf("upstream opens = %d, want 0", src.openCount())
	}
	if !a.IsDone() {
		t.Error("IsDone() = false at end of known length")
	}
}

func TestAdapter_ReadAtEndAfterDeliveryDoesNotRead(t *testing.T) {
	src := &fakeSource{data: pattern(100), chunk: 64, length: 100, known: true}
	a := newTestAdapter(src)
	defer func() { _ = a.Close() }()

	if _, err := a.ReadBytes(0, 100); err != nil {
		t.Fatalf("ReadBytes(0, 100) error = %v", err)
	}
	reads := src.stream.reads

	got, err := a.ReadBytes(100, 10)
	if err != nil {
		t.Fatalf("ReadBytes(100, 10) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0", len(got))
	}
	if src.stream.reads != reads {
		t.Errorf("upstream reads = %d, want %d", src.stream.reads, reads)
	}
	if !a.IsDone() {
		t.Error("IsDone() became false")
	}
}

func TestAdapter_BackwardSeekRangeUnavailable(t *testing.T) {
	src := &fakeSource{data: pattern(1000), chunk: 100, length: 1000, known: true}
	a := newTestAdapter(src, WithChunkSize(100))
	defer func() { _ = a.Close() }()

	if _, err := a.ReadBytes(0, 100); err != nil {
		t.Fatalf("ReadBytes(0, 100) error = %v", err)
	}

	_, err := a.ReadBytes(50, 10)
	if !errors.Is(err, ErrRangeUnavailable) {
		t.Fatalf("ReadBytes(50, 10) error = %v, want ErrRangeUnavailable", err)
	}

	// Failures are terminal; a valid forward read returns the same failure.
	_, err = a.ReadBytes(100, 10)
	if !errors.Is(err, ErrRangeUnavailable) {
		t.Errorf("ReadBytes(100, 10) error = %v, want recorded ErrRangeUnavailable", err)
	}
	if a.State() != StateClosed {
		t.Errorf("State() = %v, want %v", a.State(), StateClosed)
	}
	if src.stream.closes != 1 {
		t.Errorf("stream closes = %d, want 1", src.stream.closes)
	}
}

func TestAdapter_RetainServesShortBackwardSeek(t *testing.T) {
	data := pattern(1000)
	src := &fakeSource{data: data, chunk: 256, length: 1000, known: true}
	a := newTestAdapter(src, WithChunkSize(256), WithRetain(64))
	defer func() { _ = a.Close() }()

	if _, err := a.ReadBytes(0, 100); err != nil {
		t.Fatalf("ReadBytes(0, 100) error = %v", err)
	}
	got, err := a.ReadBytes(50, 10)
	if err != nil {
		t.Fatalf("ReadBytes(50, 10) error = %v", err)
	}
	if !bytes.Equal(got, data[50:60]) {
		t.Errorf("ReadBytes(50, 10) = %v, want %v", got, data[50:60])
	}
	if a.Offset() != 60 {
		t.Errorf("Offset() = %d, want 60", a.Offset())
	}

	// 36 is the oldest retained byte; 35 is gone.
	if _, err := a.ReadBytes(35, 1); !errors.Is(err, ErrRangeUnavailable) {
		t.Errorf("ReadBytes(35, 1) error = %v, want ErrRangeUnavailable", err)
	}
}

func TestAdapter_ForwardSkip(t *testing.T) {
	data := pattern(1000)
	src := &fakeSource{data: data, chunk: 256, length: 1000, known: true}
	a := newTestAdapter(src, WithChunkSize(256))
	defer func() { _ = a.Close() }()

	if _, err := a.ReadBytes(0, 10); err != nil {
		t.Fatalf("ReadBytes(0, 10) error = %v", err)
	}
	got, err := a.ReadBytes(500, 10)
	if err != nil {
		t.Fatalf("ReadBytes(500, 10) error = %v", err)
	}
	if !bytes.Equal(got, data[500:510]) {
		t.Errorf("ReadBytes(500, 10) returned wrong bytes")
	}
	if a.Offset() != 510 {
		t.Errorf("Offset() = %d, want 510", a.Offset())
	}
}

func TestAdapter_ForwardSkipPastUnknownEnd(t *testing.T) {
	src := &fakeSource{data: pattern(100), chunk: 64}
	a := newTestAdapter(src)
	defer func() { _ = a.Close() }()

	got, err := a.ReadBytes(500, 10)
	if err != nil {
		t.Fatalf("ReadBytes(500, 10) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0 at end-of-stream", len(got))
	}
	if n, ok := a.ContentLength(); !ok || n != 100 {
		t.Errorf("ContentLength() = (%d, %v), want (100, true)", n, ok)
	}
	if !a.IsDone() {
		t.Error("IsDone() = false after end-of-stream")
	}
}

func TestAdapter_InvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		offset int64
		length int
	}{
		{"negative offset", -1, 10},
		{"zero length", 0, 0},
		{"negative length", 0, -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{data: pattern(10)}
			a := newTestAdapter(src)
			defer func() { _ = a.Close() }()

			if _, err := a.ReadBytes(tt.offset, tt.length); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("ReadBytes(%d, %d) error = %v, want ErrInvalidRequest", tt.offset, tt.length, err)
			}
			if _, err := a.ReadBytes(0, 10); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("follow-up read error = %v, want recorded ErrInvalidRequest", err)
			}
			if src.openCount() != 0 {
				t.Errorf("upstream opens = %d, want 0", src.openCount())
			}
		})
	}
}

func TestAdapter_OffsetBeyondKnownLength(t *testing.T) {
	src := &fakeSource{data: pattern(10), length: 10, known: true}
	a := newTestAdapter(src, WithKnownLength(10))
	defer func() { _ = a.Close() }()

	if _, err := a.ReadBytes(11, 1); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("ReadBytes(11, 1) error = %v, want ErrInvalidRequest", err)
	}
}

func TestAdapter_ConnectFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	src := &fakeSource{openErr: dialErr}
	obs := &recordingObserver{}
	a := newTestAdapter(src, WithObserver(obs))
	defer func() { _ = a.Close() }()

	_, err := a.ReadBytes(0, 10)
	if !errors.Is(err, ErrUpstreamConnect) {
		t.Fatalf("ReadBytes() error = %v, want ErrUpstreamConnect", err)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("ReadBytes() error = %v, want it to wrap the dial error", err)
	}

	_, again := a.ReadBytes(0, 10)
	if again != err {
		t.Errorf("second ReadBytes() error = %v, want identical %v", again, err)
	}
	if err := a.Open(); err != again {
		t.Errorf("Open() error = %v, want recorded failure", err)
	}
	if src.openCount() != 1 {
		t.Errorf("upstream opens = %d, want 1 (no silent retry)", src.openCount())
	}
	if len(obs.aborted) != 1 {
		t.Errorf("aborted notifications = %d, want 1", len(obs.aborted))
	}
}

func TestAdapter_ReadFailure(t *testing.T) {
	resetErr := errors.New("connection reset by peer")
	src := &fakeSource{data: pattern(1000), chunk: 100, readErr: resetErr, failAt: 300}
	a := newTestAdapter(src, WithChunkSize(100))
	defer func() { _ = a.Close() }()

	if _, err := a.ReadBytes(0, 200); err != nil {
		t.Fatalf("ReadBytes(0, 200) error = %v", err)
	}
	_, err := a.ReadBytes(200, 500)
	if !errors.Is(err, ErrUpstreamRead) || !errors.Is(err, resetErr) {
		t.Fatalf("ReadBytes(200, 500) error = %v, want ErrUpstreamRead wrapping reset", err)
	}
	reads := src.stream.reads

	if _, again := a.ReadBytes(200, 500); again != err {
		t.Errorf("second ReadBytes() error = %v, want identical %v", again, err)
	}
	if src.stream.reads != reads {
		t.Errorf("upstream reads = %d after failure, want %d", src.stream.reads, reads)
	}
	if src.stream.closes != 1 {
		t.Errorf("stream closes = %d, want 1", src.stream.closes)
	}
	if a.IsDone() {
		t.Error("IsDone() = true after failure")
	}
}

func TestAdapter_ShortUpstreamBody(t *testing.T) {
	src := &fakeSource{data: pattern(500), chunk: 256, length: 1000, known: true}
	a := newTestAdapter(src)
	defer func() { _ = a.Close() }()

	_, err := a.ReadBytes(0, 1000)
	if !errors.Is(err, ErrUpstreamRead) {
		t.Fatalf("ReadBytes() error = %v, want ErrUpstreamRead", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadBytes() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestAdapter_LongUpstreamBodyCutAtLength(t *testing.T) {
	data := pattern(300)
	src := &fakeSource{data: data, length: 200, known: true}
	a := newTestAdapter(src)
	defer func() { _ = a.Close() }()

	got, err := a.ReadBytes(0, 1000)
	if err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	if !bytes.Equal(got, data[:200]) {
		t.Errorf("len(got) = %d, want first 200 bytes", len(got))
	}
	if !a.IsDone() {
		t.Error("IsDone() = false at advertised length")
	}
}

func TestAdapter_CloseIsIdempotent(t *testing.T) {
	src := &fakeSource{data: pattern(100), length: 100, known: true}
	a := newTestAdapter(src)

	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if src.stream.closes != 1 {
		t.Errorf("stream closes = %d, want 1", src.stream.closes)
	}
	if _, err := a.ReadBytes(0, 10); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadBytes() after Close error = %v, want ErrClosed", err)
	}
}

func TestAdapter_OpensLazily(t *testing.T) {
	src := &fakeSource{data: pattern(100)}
	a := newTestAdapter(src)

	if a.State() != StateNotConnected {
		t.Errorf("State() = %v, want %v", a.State(), StateNotConnected)
	}
	if _, ok := a.ContentLength(); ok {
		t.Error("ContentLength() known before open")
	}
	_ = a.Close()
	if src.openCount() != 0 {
		t.Errorf("upstream opens = %d, want 0", src.openCount())
	}
}

func TestAdapter_SequentialReadsMatchUpstream(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		chunk    int
		readSize int
		known    bool
	}{
		{"known, reads larger than chunks", 4096, 100, 333, true},
		{"known, reads smaller than chunks", 4096, 1000, 7, true},
		{"unknown, equal sizes", 1024, 64, 64, false},
		{"unknown, single byte chunks", 300, 1, 50, false},
		{"known, exact multiple", 1000, 250, 500, true},
		{"empty body", 0, 10, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := pattern(tt.size)
			src := &fakeSource{data: data, chunk: tt.chunk, length: int64(tt.size), known: tt.known}
			a := newTestAdapter(src, WithChunkSize(tt.chunk))
			defer func() { _ = a.Close() }()

			var got []byte
			for i := 0; !a.IsDone(); i++ {
				if i > tt.size+10 {
					t.Fatal("read loop did not terminate")
				}
				b, err := a.ReadBytes(int64(len(got)), tt.readSize)
				if err != nil {
					t.Fatalf("ReadBytes(%d, %d) error = %v", len(got), tt.readSize, err)
				}
				if len(b) == 0 && !a.IsDone() {
					t.Fatalf("empty read at %d before done", len(got))
				}
				got = append(got, b...)
			}

			if !bytes.Equal(got, data) {
				t.Errorf("delivered %d bytes, want %d matching upstream", len(got), len(data))
			}
			if n, ok := a.ContentLength(); !ok || n != int64(tt.size) {
				t.Errorf("ContentLength() = (%d, %v), want (%d, true)", n, ok, tt.size)
			}
		})
	}
}

func TestAdapter_StateTransitions(t *testing.T) {
	src := &fakeSource{data: pattern(100), length: 100, known: true}
	a := newTestAdapter(src)
	defer func() { _ = a.Close() }()

	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if a.State() != StateStreaming {
		t.Errorf("State() after Open = %v, want %v", a.State(), StateStreaming)
	}

	if _, err := a.ReadBytes(0, 50); err != nil {
		t.Fatalf("ReadBytes(0, 50) error = %v", err)
	}
	if a.State() != StateDraining {
		t.Errorf("State() with undelivered tail = %v, want %v", a.State(), StateDraining)
	}

	if _, err := a.ReadBytes(50, 50); err != nil {
		t.Fatalf("ReadBytes(50, 50) error = %v", err)
	}
	if a.State() != StateClosed {
		t.Errorf("State() after full delivery = %v, want %v", a.State(), StateClosed)
	}
	if a.Err() != nil {
		t.Errorf("Err() = %v, want nil after clean completion", a.Err())
	}
}

func TestAdapter_UpstreamStatusAndHeader(t *testing.T) {
	src := &fakeSource{data: pattern(10)}
	a := newTestAdapter(src)
	defer func() { _ = a.Close() }()

	if a.Status() != 0 || a.Header() != nil {
		t.Errorf("Status()/Header() set before open")
	}
	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := a.Open(); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if src.openCount() != 1 {
		t.Errorf("upstream opens = %d, want 1", src.openCount())
	}
	if a.Status() != http.StatusOK {
		t.Errorf("Status() = %d, want %d", a.Status(), http.StatusOK)
	}
	if ct := a.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestAdapter_ObserverCompletedOnce(t *testing.T) {
	src := &fakeSource{data: pattern(100), length: 100, known: true}
	obs := &recordingObserver{}
	a := newTestAdapter(src, WithObserver(obs))

	if _, err := a.ReadBytes(0, 100); err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	if _, err := a.ReadBytes(100, 100); err != nil {
		t.Fatalf("ReadBytes() at end error = %v", err)
	}
	_ = a.Close()

	if len(obs.completed) != 1 || obs.completed[0] != 100 {
		t.Errorf("completed = %v, want [100]", obs.completed)
	}
	if len(obs.aborted) != 0 {
		t.Errorf("aborted = %v, want none", obs.aborted)
	}
}

func TestAdapter_ObserverAbortedOnEarlyClose(t *testing.T) {
	src := &fakeSource{data: pattern(100), length: 100, known: true}
	obs := &recordingObserver{}
	a := newTestAdapter(src, WithObserver(obs))

	if _, err := a.ReadBytes(0, 10); err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	_ = a.Close()

	if len(obs.aborted) != 1 || !errors.Is(obs.aborted[0], ErrClosed) {
		t.Errorf("aborted = %v, want [ErrClosed]", obs.aborted)
	}
}

func TestAdapter_Metrics(t *testing.T) {
	m := metrics.New()
	src := &fakeSource{data: pattern(1000), chunk: 256, length: 1000, known: true}
	a := newTestAdapter(src, WithMetrics(m))

	if _, err := a.ReadBytes(0, 400); err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	if got := testutil.ToFloat64(m.AdaptersActive); got != 1 {
		t.Errorf("adapters active = %v, want 1", got)
	}
	if _, err := a.ReadBytes(400, 600); err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	_ = a.Close()

	if got := testutil.ToFloat64(m.BytesDelivered); got != 1000 {
		t.Errorf("bytes delivered = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(m.BytesPulled); got != 1000 {
		t.Errorf("bytes pulled = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(m.AdaptersActive); got != 0 {
		t.Errorf("adapters active = %v, want 0", got)
	}

	b := newTestAdapter(&fakeSource{data: pattern(10)}, WithMetrics(m))
	_, _ = b.ReadBytes(-1, 1)
	if got := testutil.ToFloat64(m.AdapterFailures.WithLabelValues("invalid")); got != 1 {
		t.Errorf("invalid failures = %v, want 1", got)
	}
}

// blockingSource returns a stream whose first read blocks until it is
// released or closed. Later reads serve data like fakeStream.
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	data    []byte
	stream  *blockingStream
}

func (s *blockingSource) Open(context.Context, model.Target) (upstream.Stream, error) {
	s.stream = &blockingStream{src: s, done: make(chan struct{})}
	return s.stream, nil
}

type blockingStream struct {
	src   *blockingSource
	done  chan struct{}
	once  sync.Once
	reads atomic.Int32
	pos   int
}

func (st *blockingStream) Read(p []byte) (int, error) {
	if st.reads.Add(1) == 1 {
		close(st.src.started)
		select {
		case <-st.src.release:
		case <-st.done:
			return 0, io.ErrClosedPipe
		}
	}
	if st.pos >= len(st.src.data) {
		return 0, io.EOF
	}
	n := copy(p, st.src.data[st.pos:])
	st.pos += n
	return n, nil
}

func (st *blockingStream) Close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}

func (st *blockingStream) StatusCode() int       { return http.StatusOK }
func (st *blockingStream) Length() (int64, bool) { return 0, false }
func (st *blockingStream) Header() http.Header   { return http.Header{} }

func TestAdapter_CloseUnblocksPendingRead(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	a := newTestAdapter(src)

	errc := make(chan error, 1)
	go func() {
		_, err := a.ReadBytes(0, 10)
		errc <- err
	}()

	<-src.started
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("ReadBytes() error = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadBytes() still blocked after Close()")
	}
}

func TestAdapter_ConcurrentReadWaits(t *testing.T) {
	data := pattern(20)
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{}), data: data}
	a := newTestAdapter(src, WithChunkSize(10))
	defer func() { _ = a.Close() }()

	type result struct {
		b   []byte
		err error
	}
	first := make(chan result, 1)
	go func() {
		b, err := a.ReadBytes(0, 10)
		first <- result{b, err}
	}()
	<-src.started

	second := make(chan result, 1)
	go func() {
		b, err := a.ReadBytes(10, 10)
		second <- result{b, err}
	}()

	select {
	case r := <-second:
		t.Fatalf("second ReadBytes() returned (%d bytes, %v) while the first was in flight", len(r.b), r.err)
	case <-time.After(100 * time.Millisecond):
	}
	if got := src.stream.reads.Load(); got != 1 {
		t.Errorf("upstream reads while first call in flight = %d, want 1", got)
	}

	close(src.release)

	for i, ch := range []chan result{first, second} {
		select {
		case r := <-ch:
			if r.err != nil {
				t.Fatalf("call %d: ReadBytes() error = %v", i+1, r.err)
			}
			if want := data[i*10 : i*10+10]; !bytes.Equal(r.b, want) {
				t.Errorf("call %d: ReadBytes() = %v, want %v", i+1, r.b, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("call %d: ReadBytes() still blocked after release", i+1)
		}
	}
}

func TestAdapter_BufferBoundedByReadWindow(t *testing.T) {
	const (
		size     = 1 << 20
		chunk    = 256
		readSize = 100
		retain   = 64
	)
	data := pattern(size)
	src := &fakeSource{data: data, length: size, known: true}
	a := newTestAdapter(src, WithChunkSize(chunk), WithRetain(retain))
	defer func() { _ = a.Close() }()

	var offset int64
	for !a.IsDone() {
		if offset == 300_000 {
			// Forward skip: the skipped bytes are never buffered as a whole.
			offset = 700_000
		}
		got, err := a.ReadBytes(offset, readSize)
		if err != nil {
			t.Fatalf("ReadBytes(%d, %d) error = %v", offset, readSize, err)
		}
		end := min(offset+readSize, size)
		if !bytes.Equal(got, data[offset:end]) {
			t.Fatalf("ReadBytes(%d, %d) returned wrong bytes", offset, readSize)
		}
		offset += int64(len(got))

		a.mu.Lock()
		high := a.highWater
		a.mu.Unlock()
		if high > chunk+readSize+retain {
			t.Fatalf("buffer high water = %d after offset %d, want <= %d", high, offset, chunk+readSize+retain)
		}
	}
	if offset != size {
		t.Errorf("final offset = %d, want %d", offset, size)
	}
}

func TestAdapter_ReadNearMaxOffsetReachesEnd(t *testing.T) {
	src := &fakeSource{data: pattern(10)}
	a := newTestAdapter(src)
	defer func() { _ = a.Close() }()

	got, err := a.ReadBytes(math.MaxInt64-5, 100)
	if err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadBytes() returned %d bytes, want 0", len(got))
	}
	if !a.IsDone() {
		t.Error("IsDone() = false after a read past the end of the stream, want true")
	}
	if n, ok := a.ContentLength(); !ok || n != 10 {
		t.Errorf("ContentLength() = (%d, %v), want (10, true)", n, ok)
	}
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{wrap(ErrUpstreamConnect, errors.New("refused")), "connect"},
		{wrap(ErrUpstreamRead, io.ErrUnexpectedEOF), "read"},
		{ErrRangeUnavailable, "range"},
		{ErrInvalidRequest, "invalid"},
		{ErrClosed, "closed"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		if got := FailureKind(tt.err); got != tt.want {
			t.Errorf("FailureKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
