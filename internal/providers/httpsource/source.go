// Package httpsource reads byte windows of a file served by a plain HTTP
// endpoint that honours Range requests.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"cloudrelay/internal/domain"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Meta is what a probe learns about the remote file.
type Meta struct {
	Size        int64
	ContentType string
	Name        string
}

type Source struct {
	client   *http.Client
	url      string
	provider string
	header   http.Header
}

// New returns a range source for rawURL. header is copied onto every request.
func New(client *http.Client, provider, rawURL string, header http.Header) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", defaultUserAgent)
	}
	return &Source{client: client, url: rawURL, provider: provider, header: h}
}

func (s *Source) URL() string { return s.url }

func (s *Source) OpenRange(ctx context.Context, r domain.ByteRange) (io.ReadCloser, error) {
	resp, err := s.get(ctx, fmt.Sprintf("bytes=%d-%d", r.Start, r.End))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, _, ok := ParseContentRange(resp.Header.Get("Content-Range"))
		if ok && start != r.Start {
			resp.Body.Close()
			return nil, domain.Upstream(s.provider, fmt.Errorf("upstream answered range starting at %d, want %d", start, r.Start))
		}
		return resp.Body, nil
	case http.StatusOK:
		if r.Start != 0 {
			resp.Body.Close()
			return nil, domain.Upstream(s.provider, errors.New("upstream ignored the range request"))
		}
		return resp.Body, nil
	default:
		defer resp.Body.Close()
		return nil, statusError(s.provider, resp)
	}
}

// Probe asks for the first byte to learn the size, type and name of the file.
func (s *Source) Probe(ctx context.Context) (Meta, error) {
	resp, err := s.get(ctx, "bytes=0-0")
	if err != nil {
		return Meta{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	meta := Meta{
		ContentType: resp.Header.Get("Content-Type"),
		Name:        fileName(resp),
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, size, ok := ParseContentRange(resp.Header.Get("Content-Range"))
		if !ok || size < 0 {
			return Meta{}, domain.Upstream(s.provider, errors.New("probe: missing total size in Content-Range"))
		}
		meta.Size = size
	case http.StatusOK:
		if resp.ContentLength < 0 {
			return Meta{}, domain.Upstream(s.provider, errors.New("probe: unknown content length"))
		}
		meta.Size = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		// Empty files cannot serve byte 0.
		_, _, size, ok := ParseContentRange(resp.Header.Get("Content-Range"))
		if !ok || size != 0 {
			return Meta{}, statusError(s.provider, resp)
		}
	default:
		return Meta{}, statusError(s.provider, resp)
	}
	return meta, nil
}

func (s *Source) get(ctx context.Context, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, domain.Upstream(s.provider, err)
	}
	for key, values := range s.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Range", rangeHeader)
	// Identity encoding keeps byte offsets meaningful.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, domain.Upstream(s.provider, err)
	}
	return resp, nil
}

func statusError(provider string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%s: HTTP %d: %w", provider, resp.StatusCode, domain.ErrNotFound)
	default:
		return domain.Upstream(provider, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
}

// ParseContentRange parses "bytes START-END/SIZE" and "bytes */SIZE". size is
// -1 when the total is "*"; start and end are -1 for the unsatisfied form.
func ParseContentRange(value string) (start, end, size int64, ok bool) {
	value = strings.TrimSpace(value)
	unit, rest, found := strings.Cut(value, " ")
	if !found || !strings.EqualFold(unit, "bytes") {
		return 0, 0, 0, false
	}
	window, total, found := strings.Cut(strings.TrimSpace(rest), "/")
	if !found {
		return 0, 0, 0, false
	}

	size = -1
	if total != "*" {
		v, err := strconv.ParseInt(total, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, 0, false
		}
		size = v
	}
	if window == "*" {
		return -1, -1, size, true
	}
	s, e, found := strings.Cut(window, "-")
	if !found {
		return 0, 0, 0, false
	}
	start, errStart := strconv.ParseInt(s, 10, 64)
	end, errEnd := strconv.ParseInt(e, 10, 64)
	if errStart != nil || errEnd != nil || start < 0 || end < start {
		return 0, 0, 0, false
	}
	return start, end, size, true
}

func fileName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return path.Base(name)
			}
		}
	}
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	name, err := url.PathUnescape(path.Base(resp.Request.URL.Path))
	if err != nil || name == "/" || name == "." {
		return ""
	}
	return name
}
