package apihttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"cloudrelay/internal/metrics"
)

const (
	DefaultProxyTimeout  = 30 * time.Second
	DefaultProxyMaxBytes = 8 << 20

	proxyUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

const maxProxyRedirects = 10

var (
	errProxyTooLarge = errors.New("proxy: upstream body exceeds limit")
	errProxyRedirect = errors.New("proxy: redirect to host not allowed")
)

// ProxyConfig configures the JSON CORS proxy. An empty host list rejects
// every target.
type ProxyConfig struct {
	AllowedHosts []string
	MaxBodyBytes int64
	Timeout      time.Duration
	Client       *http.Client
}

// jsonProxy fetches allowlisted JSON feeds for browsers that cannot reach
// them across origins.
type jsonProxy struct {
	client  *http.Client
	allowed []string
	maxBody int64
	timeout time.Duration
	logger  *slog.Logger
}

func newJSONProxy(cfg ProxyConfig, logger *slog.Logger) *jsonProxy {
	p := &jsonProxy{
		maxBody: cfg.MaxBodyBytes,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	// Redirect policy goes on a copy of the shared upstream client.
	client := http.Client{}
	if cfg.Client != nil {
		client = *cfg.Client
	}
	client.CheckRedirect = p.checkRedirect
	p.client = &client
	if p.maxBody <= 0 {
		p.maxBody = DefaultProxyMaxBytes
	}
	if p.timeout <= 0 {
		p.timeout = DefaultProxyTimeout
	}
	for _, host := range cfg.AllowedHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			p.allowed = append(p.allowed, host)
		}
	}
	return p
}

// hostAllowed matches exact hosts and their subdomains.
func (p *jsonProxy) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range p.allowed {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// checkRedirect applies the allowlist to every hop of a redirect chain.
func (p *jsonProxy) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxProxyRedirects {
		return fmt.Errorf("proxy: stopped after %d redirects", len(via))
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return errProxyRedirect
	}
	if !p.hostAllowed(req.URL.Hostname()) {
		return errProxyRedirect
	}
	return nil
}

func (p *jsonProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		metrics.ProxyRequestsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "missing url parameter")
		return
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Hostname() == "" {
		metrics.ProxyRequestsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	if !p.hostAllowed(target.Hostname()) {
		metrics.ProxyRequestsTotal.WithLabelValues("forbidden").Inc()
		writeError(w, http.StatusForbidden, "forbidden", "host not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	status, contentType, body, err := p.fetch(ctx, target.String())
	if err != nil {
		p.logger.Warn("proxy fetch failed",
			slog.String("host", target.Hostname()),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			metrics.ProxyRequestsTotal.WithLabelValues("timeout").Inc()
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream timed out")
		case errors.Is(err, errProxyRedirect):
			metrics.ProxyRequestsTotal.WithLabelValues("forbidden").Inc()
			writeError(w, http.StatusForbidden, "forbidden", "redirect to host not allowed")
		case errors.Is(err, errProxyTooLarge):
			metrics.ProxyRequestsTotal.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusBadGateway, "upstream_unavailable", "upstream response too large")
		default:
			metrics.ProxyRequestsTotal.WithLabelValues("upstream_error").Inc()
			writeError(w, http.StatusBadGateway, "upstream_unavailable", "upstream unavailable")
		}
		return
	}

	metrics.ProxyRequestsTotal.WithLabelValues("ok").Inc()
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (p *jsonProxy) fetch(ctx context.Context, target string) (int, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", nil, err
	}
	req.Header.Set("User-Agent", proxyUserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	reader, err := decodeBody(resp)
	if err != nil {
		return 0, "", nil, err
	}
	body, err := io.ReadAll(io.LimitReader(reader, p.maxBody+1))
	if err != nil {
		return 0, "", nil, err
	}
	if int64(len(body)) > p.maxBody {
		return 0, "", nil, errProxyTooLarge
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), body, nil
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("proxy: gzip body: %w", err)
		}
		return zr, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return nil, fmt.Errorf("proxy: unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
