package apihttp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
	"cloudrelay/internal/usecase"
)

const (
	folderLocator   = "https://share.test/folder/f1#key"
	fileLocator     = "https://share.test/file/s1#key"
	brokenLocator   = "https://share.test/broken"
	slowLocator     = "https://share.test/slow"
	openFailLocator = "https://share.test/openfail"
	midFaultLocator = "https://share.test/midfault"
	endlessLocator  = "https://share.test/endless"
	emptyLocator    = "https://share.test/folder/nothing"

	folderFileSize = 10485760
	singleFileSize = 2048
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

var (
	folderFile = pattern(folderFileSize)
	singleFile = pattern(singleFileSize)
)

type memSource struct {
	data  []byte
	opens *atomic.Int32
}

func (s *memSource) OpenRange(_ context.Context, r domain.ByteRange) (io.ReadCloser, error) {
	s.opens.Add(1)
	return io.NopCloser(bytes.NewReader(s.data[r.Start : r.End+1])), nil
}

type failingSource struct{}

func (failingSource) OpenRange(context.Context, domain.ByteRange) (io.ReadCloser, error) {
	return nil, errors.New("upstream said 500")
}

// faultySource delivers good bytes and then fails.
type faultySource struct {
	good int
}

func (s faultySource) OpenRange(context.Context, domain.ByteRange) (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(bytes.NewReader(make([]byte, s.good)), errReader{})), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by upstream") }

// endlessSource never runs dry until its context ends; closing the stream
// closes the closed channel.
type endlessSource struct {
	closed    chan struct{}
	closeOnce *sync.Once
}

func (s endlessSource) OpenRange(ctx context.Context, _ domain.ByteRange) (io.ReadCloser, error) {
	return &endlessReader{ctx: ctx, src: s}, nil
}

type endlessReader struct {
	ctx context.Context
	src endlessSource
}

func (r *endlessReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func (r *endlessReader) Close() error {
	r.src.closeOnce.Do(func() { close(r.src.closed) })
	return nil
}

// stubProvider serves a fixed set of shares under share.test.
type stubProvider struct {
	opens         atomic.Int32
	endlessClosed chan struct{}
	endlessOnce   sync.Once
}

func newStubProvider() *stubProvider {
	return &stubProvider{endlessClosed: make(chan struct{})}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Supports(loc domain.Locator) bool {
	return loc.Host() == "share.test"
}

func (p *stubProvider) file(name string, data []byte) ports.ResolvedFile {
	return ports.ResolvedFile{
		Ref:    domain.RemoteFileRef{Provider: "stub", Name: name, SizeBytes: int64(len(data))},
		Source: &memSource{data: data, opens: &p.opens},
	}
}

func (p *stubProvider) Resolve(ctx context.Context, loc domain.Locator, nodeID string) (ports.ResolvedFile, error) {
	switch loc.URL.Path {
	case "/folder/f1":
		switch nodeID {
		case "":
			return ports.ResolvedFile{}, domain.ErrAmbiguousTarget
		case "a.mp4":
			return p.file("a.mp4", folderFile), nil
		default:
			return ports.ResolvedFile{}, domain.ErrNotFound
		}
	case "/file/s1":
		return p.file("single.mp4", singleFile), nil
	case "/broken":
		return ports.ResolvedFile{}, errors.New("dial tcp: no such host")
	case "/slow":
		<-ctx.Done()
		return ports.ResolvedFile{}, ctx.Err()
	case "/openfail":
		return ports.ResolvedFile{
			Ref:    domain.RemoteFileRef{Provider: "stub", Name: "x.mp4", SizeBytes: 100},
			Source: failingSource{},
		}, nil
	case "/midfault":
		return ports.ResolvedFile{
			Ref:    domain.RemoteFileRef{Provider: "stub", Name: "m.mp4", SizeBytes: 1 << 20},
			Source: faultySource{good: 100 << 10},
		}, nil
	case "/endless":
		return ports.ResolvedFile{
			Ref:    domain.RemoteFileRef{Provider: "stub", Name: "e.mp4", SizeBytes: 1 << 30},
			Source: endlessSource{closed: p.endlessClosed, closeOnce: &p.endlessOnce},
		}, nil
	}
	return ports.ResolvedFile{}, domain.ErrNotFound
}

func (p *stubProvider) List(_ context.Context, loc domain.Locator) ([]domain.ManifestEntry, error) {
	switch loc.URL.Path {
	case "/folder/f1":
		return []domain.ManifestEntry{
			{ID: "a.mp4", Name: "a.mp4", Size: folderFileSize},
			{ID: "notes.txt", Name: "notes.txt", Size: 10},
		}, nil
	case "/folder/nothing":
		return []domain.ManifestEntry{{ID: "r", Name: "readme.md", Size: 1}}, nil
	}
	return nil, domain.ErrNotFound
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []domain.RelayRecord
	finished []domain.RelayRecord
	recent   []domain.RelayRecord
	limit    int
	err      error
}

func (f *fakeRecorder) Started(rec domain.RelayRecord) domain.RelayRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = "relay-1"
	f.started = append(f.started, rec)
	return rec
}

func (f *fakeRecorder) Finished(rec domain.RelayRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, rec)
}

func (f *fakeRecorder) Recent(_ context.Context, limit int) ([]domain.RelayRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return f.recent, f.err
}

func (f *fakeRecorder) finishedRecords() []domain.RelayRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RelayRecord(nil), f.finished...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	server   *Server
	provider *stubProvider
	recorder *fakeRecorder
}

func newTestEnv(t *testing.T, opts ...ServerOption) testEnv {
	t.Helper()
	p := newStubProvider()
	providers := usecase.Providers{p}
	rec := &fakeRecorder{}
	base := []ServerOption{
		WithLogger(discardLogger()),
		WithBuildManifest(&usecase.BuildManifest{Providers: providers, ContentTypes: domain.NewContentTypes(nil, "")}),
		WithRelayRecorder(rec),
		WithProviderNames(providers.Names()),
	}
	s := NewServer(&usecase.ResolveFile{Providers: providers, ContentTypes: domain.NewContentTypes(nil, "")}, append(base, opts...)...)
	t.Cleanup(s.Close)
	return testEnv{server: s, provider: p, recorder: rec}
}

func streamPath(locator, nodeID string) string {
	q := url.Values{}
	q.Set("shareLocator", locator)
	if nodeID != "" {
		q.Set("nodeId", nodeID)
	}
	return "/stream?" + q.Encode()
}

func serve(s *Server, method, target, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func serveJSON(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := jsonDecode(rec.Body, &body); err != nil {
		t.Fatalf("decode error body: %v (raw %q)", err, rec.Body.String())
	}
	if body.Error == "" {
		t.Fatalf("error body without message: %q", rec.Body.String())
	}
	return body
}
