package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"cloudrelay/internal/domain"
)

func jsonDecode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func TestStreamFolderMemberRange(t *testing.T) {
	env := newTestEnv(t)
	rec := serve(env.server, http.MethodGet, streamPath(folderLocator, "a.mp4"), "bytes=0-99")

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	h := rec.Header()
	if got := h.Get("Content-Range"); got != "bytes 0-99/10485760" {
		t.Fatalf("Content-Range = %q", got)
	}
	if got := h.Get("Content-Length"); got != "100" {
		t.Fatalf("Content-Length = %q", got)
	}
	if got := h.Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("Accept-Ranges = %q", got)
	}
	if got := h.Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := h.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), folderFile[:100]) {
		t.Fatalf("body mismatch")
	}

	records := env.recorder.finishedRecords()
	if len(records) != 1 {
		t.Fatalf("expected one finished record, got %d", len(records))
	}
	r := records[0]
	if r.Outcome != domain.RelayCompleted || r.Status != 206 || r.BytesSent != 100 || !r.Ranged || r.ID != "relay-1" {
		t.Fatalf("unexpected record %+v", r)
	}
	if strings.Contains(r.Locator, "key") {
		t.Fatalf("locator not redacted: %q", r.Locator)
	}
}

func TestStreamSingleFileWithoutRange(t *testing.T) {
	env := newTestEnv(t)
	rec := serve(env.server, http.MethodGet, streamPath(fileLocator, ""), "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(singleFileSize) {
		t.Fatalf("Content-Length = %q", got)
	}
	if rec.Header().Get("Content-Range") != "" {
		t.Fatalf("unexpected Content-Range on 200")
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("Accept-Ranges = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), singleFile) {
		t.Fatalf("body mismatch")
	}
}

func TestStreamRangeWindows(t *testing.T) {
	tests := []struct {
		name         string
		header       string
		status       int
		contentRange string
		start, end   int
	}{
		{"open ended", "bytes=2000-", http.StatusPartialContent, "bytes 2000-2047/2048", 2000, 2047},
		{"clamped end", "bytes=2000-99999", http.StatusPartialContent, "bytes 2000-2047/2048", 2000, 2047},
		{"single byte", "bytes=5-5", http.StatusPartialContent, "bytes 5-5/2048", 5, 5},
		{"last byte", "bytes=2047-2047", http.StatusPartialContent, "bytes 2047-2047/2048", 2047, 2047},
	}
	env := newTestEnv(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(env.server, http.MethodGet, streamPath(fileLocator, ""), tc.header)
			if rec.Code != tc.status {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Header().Get("Content-Range"); got != tc.contentRange {
				t.Fatalf("Content-Range = %q", got)
			}
			want := singleFile[tc.start : tc.end+1]
			if !bytes.Equal(rec.Body.Bytes(), want) {
				t.Fatalf("body mismatch: got %d bytes, want %d", rec.Body.Len(), len(want))
			}
			if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(want)) {
				t.Fatalf("Content-Length = %q", got)
			}
		})
	}
}

func TestStreamUnsatisfiableRanges(t *testing.T) {
	env := newTestEnv(t)
	for _, header := range []string{"bytes=5000-6000", "bytes=2048-", "bytes=10-5", "bytes=0-1,5-6", "bytes=-500", "bytes=abc-", "items=0-1"} {
		rec := serve(env.server, http.MethodGet, streamPath(fileLocator, ""), header)
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Errorf("%q: status = %d", header, rec.Code)
			continue
		}
		if got := rec.Header().Get("Content-Range"); got != "bytes */2048" {
			t.Errorf("%q: Content-Range = %q", header, got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("%q: missing CORS header", header)
		}
		if body := decodeError(t, rec); body.Code != "range_not_satisfiable" {
			t.Errorf("%q: code = %q", header, body.Code)
		}
	}
	if opens := env.provider.opens.Load(); opens != 0 {
		t.Fatalf("upstream opened %d times for rejected ranges", opens)
	}
}

func TestStreamPreHeaderErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"missing locator", "/stream", http.StatusBadRequest, "invalid_locator"},
		{"garbage locator", "/stream?shareLocator=not-a-url", http.StatusBadRequest, "invalid_locator"},
		{"unknown host", streamPath("https://elsewhere.example/x", ""), http.StatusBadRequest, "invalid_locator"},
		{"folder without node", streamPath(folderLocator, ""), http.StatusBadRequest, "ambiguous_target"},
		{"unknown node", streamPath(folderLocator, "b.mp4"), http.StatusNotFound, "not_found"},
		{"upstream down", streamPath(brokenLocator, ""), http.StatusBadGateway, "upstream_unavailable"},
		{"open fails", streamPath(openFailLocator, ""), http.StatusBadGateway, "upstream_unavailable"},
	}
	env := newTestEnv(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(env.server, http.MethodGet, tc.target, "")
			if rec.Code != tc.status {
				t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
			}
			if got := rec.Header().Get("Content-Type"); got != "application/json" {
				t.Fatalf("Content-Type = %q", got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Fatalf("missing CORS header on error")
			}
			body := decodeError(t, rec)
			if body.Code != tc.code {
				t.Fatalf("code = %q", body.Code)
			}
			if strings.Contains(body.Error, "no such host") || strings.Contains(body.Error, "500") {
				t.Fatalf("provider detail leaked: %q", body.Error)
			}
		})
	}

	for _, r := range env.recorder.finishedRecords() {
		if r.Outcome != domain.RelayFailedBeforeBytes {
			t.Fatalf("expected failed_before_bytes, got %+v", r)
		}
	}
}

func TestStreamOpenTimeout(t *testing.T) {
	env := newTestEnv(t, WithOpenTimeout(50*time.Millisecond))

	started := time.Now()
	rec := serve(env.server, http.MethodGet, streamPath(slowLocator, ""), "")
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
	if body := decodeError(t, rec); body.Code != "upstream_timeout" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestStreamOptionsPreflight(t *testing.T) {
	env := newTestEnv(t)
	rec := serve(env.server, http.MethodOptions, streamPath(fileLocator, ""), "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("preflight body should be empty, got %q", rec.Body.String())
	}
	h := rec.Header()
	if h.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing allow origin")
	}
	if methods := h.Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "GET") || !strings.Contains(methods, "OPTIONS") {
		t.Fatalf("Access-Control-Allow-Methods = %q", methods)
	}
	if headers := h.Get("Access-Control-Allow-Headers"); !strings.Contains(headers, "Range") {
		t.Fatalf("Access-Control-Allow-Headers = %q", headers)
	}
	if env.provider.opens.Load() != 0 {
		t.Fatalf("preflight must not touch the upstream")
	}
}

func TestStreamHeadSkipsUpstreamOpen(t *testing.T) {
	env := newTestEnv(t)
	rec := serve(env.server, http.MethodHead, streamPath(fileLocator, ""), "bytes=0-9")

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-9/2048" {
		t.Fatalf("Content-Range = %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD wrote a body")
	}
	if env.provider.opens.Load() != 0 {
		t.Fatalf("HEAD opened the upstream")
	}
}

func TestStreamRejectsOtherMethods(t *testing.T) {
	env := newTestEnv(t)
	rec := serve(env.server, http.MethodPost, streamPath(fileLocator, ""), "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); !strings.Contains(got, "GET") {
		t.Fatalf("Allow = %q", got)
	}
}

func TestStreamCapacityGuard(t *testing.T) {
	env := newTestEnv(t, WithMaxConcurrentRelays(1))
	if !env.server.gate.TryEnter() {
		t.Fatalf("could not take the only slot")
	}
	rec := serve(env.server, http.MethodGet, streamPath(fileLocator, ""), "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "overloaded" {
		t.Fatalf("code = %q", body.Code)
	}

	env.server.gate.Leave()
	rec = serve(env.server, http.MethodGet, streamPath(fileLocator, ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status after release = %d", rec.Code)
	}
}

func TestStreamMidStreamFaultAbortsConnection(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + streamPath(midFaultLocator, ""))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.ContentLength != 1<<20 {
		t.Fatalf("ContentLength = %d", resp.ContentLength)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("expected a broken body, read %d bytes cleanly", len(body))
	}
	if len(body) >= 1<<20 {
		t.Fatalf("read the full body despite the upstream fault")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records := env.recorder.finishedRecords()
		if len(records) == 1 {
			if records[0].Outcome != domain.RelayAbortedMidStream || records[0].ErrorKind != "mid_stream_fault" {
				t.Fatalf("unexpected record %+v", records[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relay never finished")
}

func TestStreamClientDisconnectCancelsUpstream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+streamPath(endlessLocator, ""), nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	buf := make([]byte, 4096)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read first bytes: %v", err)
	}
	cancel()
	resp.Body.Close()

	select {
	case <-env.provider.endlessClosed:
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream stream was not closed after the client left")
	}
}

func TestRedactLocator(t *testing.T) {
	if got := redactLocator(folderLocator); got != "https://share.test/folder/f1" {
		t.Fatalf("redactLocator = %q", got)
	}
	if got := redactLocator("::"); got != "" {
		t.Fatalf("redactLocator(invalid) = %q", got)
	}
}

func TestStreamQueryAliases(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream?megaUrl="+url.QueryEscape(fileLocator)+"&nodeId=%20n1%20", nil)
	loc, node := streamQuery(req)
	if loc != fileLocator || node != "n1" {
		t.Fatalf("streamQuery = %q, %q", loc, node)
	}
}
