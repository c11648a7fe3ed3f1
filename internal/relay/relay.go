package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
)

const DefaultBufferSize = 64 << 10

var tracer = otel.Tracer("cloudrelay/relay")

// Request describes one resolved relay: the remote file, the window to send
// and whether the client asked for a range.
type Request struct {
	File        ports.ResolvedFile
	Range       domain.ByteRange
	Ranged      bool
	ContentType string
}

// Status is 206 for ranged requests and 200 otherwise.
func (r Request) Status() int {
	if r.Ranged {
		return http.StatusPartialContent
	}
	return http.StatusOK
}

// Result summarises a relay once the body copy ends.
type Result struct {
	Status    int
	BytesSent int64
	Outcome   domain.RelayOutcome
	Err       error
}

// Streamer copies an upstream byte window to a client response without
// buffering more than one chunk.
type Streamer struct {
	bufPool sync.Pool
	logger  *slog.Logger
}

func NewStreamer(bufferSize int, logger *slog.Logger) *Streamer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Streamer{logger: logger}
	s.bufPool.New = func() any {
		buf := make([]byte, bufferSize)
		return &buf
	}
	return s
}

// Open opens the upstream window of req. Failures are mapped onto the relay
// error taxonomy; nothing has been written to the client at this point.
func Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	if req.Range.Length() == 0 {
		return io.NopCloser(http.NoBody), nil
	}
	if req.File.Source == nil {
		return nil, domain.Upstream(req.File.Ref.Provider, errors.New("no range source"))
	}
	body, err := req.File.Source.OpenRange(ctx, req.Range)
	if err != nil {
		if TimedOut(ctx) {
			return nil, &domain.UpstreamError{Provider: req.File.Ref.Provider, Timeout: true, Err: err}
		}
		return nil, domain.Upstream(req.File.Ref.Provider, err)
	}
	return body, nil
}

// WriteHeaders emits the framing headers and the status line of req.
func WriteHeaders(w http.ResponseWriter, req Request) {
	h := w.Header()
	contentType := req.ContentType
	if contentType == "" {
		contentType = domain.DefaultContentType
	}
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")
	if req.Ranged {
		h.Set("Content-Range", req.Range.ContentRange(req.File.Ref.SizeBytes))
		h.Set("Content-Length", strconv.FormatInt(req.Range.Length(), 10))
	} else {
		h.Set("Content-Length", strconv.FormatInt(req.File.Ref.SizeBytes, 10))
	}
	w.WriteHeader(req.Status())
}

// Stream writes the headers of req and then copies body to w in order.
// ctx is the client request context. The caller owns body and closes it.
// A Result with Outcome RelayAbortedMidStream means the response is short and
// the connection must be torn down rather than finished.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, req Request, body io.Reader, m *Machine) Result {
	ctx, span := tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("relay.provider", req.File.Ref.Provider),
		attribute.Int64("relay.size", req.File.Ref.SizeBytes),
		attribute.Int64("relay.start", req.Range.Start),
		attribute.Int64("relay.end", req.Range.End),
		attribute.Bool("relay.ranged", req.Ranged),
	))
	defer span.End()

	expected := req.Range.Length()
	WriteHeaders(w, req)
	res := Result{Status: req.Status()}

	started := time.Now()
	sent, readErr, writeErr := s.copy(w, io.LimitReader(body, expected), m)
	res.BytesSent = sent
	span.SetAttributes(attribute.Int64("relay.bytes_sent", sent))

	switch {
	case sent == expected:
		res.Outcome = domain.RelayCompleted
	case writeErr != nil || ctx.Err() != nil:
		res.Outcome = domain.RelayClientDisconnected
		res.Err = context.Canceled
		if writeErr != nil {
			res.Err = fmt.Errorf("%w: %w", context.Canceled, writeErr)
		}
	default:
		cause := readErr
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		res.Outcome = domain.RelayAbortedMidStream
		res.Err = fmt.Errorf("%w: %d of %d bytes: %w", domain.ErrMidStreamFault, sent, expected, cause)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "mid-stream fault")
	}

	s.logger.Debug("relay copy finished",
		slog.String("provider", req.File.Ref.Provider),
		slog.Int64("bytes", sent),
		slog.Int64("expected", expected),
		slog.String("outcome", string(res.Outcome)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return res
}

// copy moves bytes chunk by chunk and flushes each one, so the client paces
// the upstream reads.
func (s *Streamer) copy(w http.ResponseWriter, src io.Reader, m *Machine) (sent int64, readErr, writeErr error) {
	bufPtr := s.bufPool.Get().(*[]byte)
	defer s.bufPool.Put(bufPtr)
	buf := *bufPtr

	flusher, _ := w.(http.Flusher)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			sent += int64(written)
			if written > 0 && m != nil {
				m.MarkBytesWritten()
			}
			if werr == nil && written < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return sent, nil, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return sent, nil, nil
		}
		if err != nil {
			return sent, err, nil
		}
	}
}

// OpenDeadline derives a context for resolving and opening the upstream. When
// timeout elapses first the context is cancelled with DeadlineExceeded as its
// cause. disarm stops the timer without cancelling, so the stream opened under
// the context keeps flowing. cancel releases the context and must be called
// when the request ends.
func OpenDeadline(parent context.Context, timeout time.Duration) (ctx context.Context, disarm func(), cancel func()) {
	ctx, cancelCause := context.WithCancelCause(parent)
	cancel = func() { cancelCause(context.Canceled) }
	if timeout <= 0 {
		return ctx, func() {}, cancel
	}
	timer := time.AfterFunc(timeout, func() { cancelCause(context.DeadlineExceeded) })
	return ctx, func() { timer.Stop() }, cancel
}

// TimedOut reports whether ctx was cancelled by its open deadline.
func TimedOut(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), context.DeadlineExceeded)
}
