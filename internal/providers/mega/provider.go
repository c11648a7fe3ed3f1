// Package mega resolves public MEGA file and folder links and streams their
// content through client-side AES-CTR decryption.
package mega

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
)

const providerName = "mega"

type Config struct {
	APIURL            string
	Client            *http.Client
	RequestsPerSecond float64
	RetryAttempts     int
	RetryDelay        time.Duration
	Logger            *slog.Logger
}

type Provider struct {
	api    *apiClient
	client *http.Client
	logger *slog.Logger
}

// node is a decrypted file entry of a folder share.
type node struct {
	handle string
	name   string
	size   int64
	key    fileKey
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	base := strings.TrimSpace(cfg.APIURL)
	if base == "" {
		base = DefaultAPIURL
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 4
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		api: newAPIClient(client, base, cfg.RequestsPerSecond, retryPolicy{
			attempts: attempts,
			initial:  delay,
			max:      8 * delay,
		}),
		client: client,
		logger: logger,
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Supports(loc domain.Locator) bool {
	return loc.URL != nil && supportedHost(loc.Host())
}

// Resolve locates the file addressed by loc. For folder links nodeID picks the
// member by handle or by exact file name; a /file/<node> suffix in the link
// is used when nodeID is empty. nodeID is ignored for file links.
func (p *Provider) Resolve(ctx context.Context, loc domain.Locator, nodeID string) (ports.ResolvedFile, error) {
	l, err := parseLink(loc)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	if l.kind == fileLink {
		return p.resolveFile(ctx, loc, l)
	}

	target := strings.TrimSpace(nodeID)
	if target == "" {
		target = l.node
	}
	if target == "" {
		return ports.ResolvedFile{}, domain.ErrAmbiguousTarget
	}

	files, err := p.folderFiles(ctx, l)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	match, ok := pickNode(files, target)
	if !ok {
		return ports.ResolvedFile{}, fmt.Errorf("mega: node %q: %w", target, domain.ErrNotFound)
	}

	info, err := p.api.folderFile(ctx, l.handle, match.handle)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	size := info.Size
	if size == 0 {
		size = match.size
	}
	return ports.ResolvedFile{
		Ref: domain.RemoteFileRef{
			Provider:     providerName,
			ShareLocator: loc.Redacted(),
			NodeID:       match.handle,
			Name:         match.name,
			SizeBytes:    size,
		},
		Source: &rangeSource{client: p.client, url: info.DownloadURL, key: match.key},
	}, nil
}

func (p *Provider) resolveFile(ctx context.Context, loc domain.Locator, l link) (ports.ResolvedFile, error) {
	key, err := newFileKey(l.key)
	if err != nil {
		return ports.ResolvedFile{}, domain.ErrInvalidLocator
	}
	info, err := p.api.publicFile(ctx, l.handle, true)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	attrs, err := decryptAttributes(key.aesKey(), info.Attrs)
	if err != nil {
		// A key that cannot open the attributes belongs to another file.
		return ports.ResolvedFile{}, fmt.Errorf("%w: %v", domain.ErrInvalidLocator, err)
	}
	return ports.ResolvedFile{
		Ref: domain.RemoteFileRef{
			Provider:     providerName,
			ShareLocator: loc.Redacted(),
			NodeID:       l.handle,
			Name:         attrs.Name,
			SizeBytes:    info.Size,
		},
		Source: &rangeSource{client: p.client, url: info.DownloadURL, key: key},
	}, nil
}

// List returns every file of the share. A file link yields a single entry.
func (p *Provider) List(ctx context.Context, loc domain.Locator) ([]domain.ManifestEntry, error) {
	l, err := parseLink(loc)
	if err != nil {
		return nil, err
	}
	if l.kind == fileLink {
		key, err := newFileKey(l.key)
		if err != nil {
			return nil, domain.ErrInvalidLocator
		}
		info, err := p.api.publicFile(ctx, l.handle, false)
		if err != nil {
			return nil, err
		}
		attrs, err := decryptAttributes(key.aesKey(), info.Attrs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidLocator, err)
		}
		return []domain.ManifestEntry{{ID: l.handle, Name: attrs.Name, Size: info.Size}}, nil
	}

	files, err := p.folderFiles(ctx, l)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.ManifestEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, domain.ManifestEntry{ID: f.handle, Name: f.name, Size: f.size})
	}
	return entries, nil
}

// folderFiles lists and decrypts every file node of the shared tree.
func (p *Provider) folderFiles(ctx context.Context, l link) ([]node, error) {
	raw, err := p.api.listFolder(ctx, l.handle)
	if err != nil {
		return nil, err
	}
	files := make([]node, 0, len(raw))
	for _, rn := range raw {
		if rn.Type != 0 {
			continue
		}
		n, err := decryptNode(l.key, rn)
		if err != nil {
			p.logger.Debug("mega node skipped", slog.String("handle", rn.Handle), slog.String("error", err.Error()))
			continue
		}
		files = append(files, n)
	}
	return files, nil
}

func decryptNode(folderKey []byte, rn rawNode) (node, error) {
	var lastErr error = errBadKey
	for _, part := range strings.Split(rn.Key, "/") {
		_, encoded, ok := strings.Cut(part, ":")
		if !ok {
			encoded = part
		}
		enc, err := decodeB64(encoded)
		if err != nil {
			lastErr = err
			continue
		}
		plain, err := decryptECB(folderKey, enc)
		if err != nil {
			lastErr = err
			continue
		}
		key, err := newFileKey(plain)
		if err != nil {
			lastErr = err
			continue
		}
		attrs, err := decryptAttributes(key.aesKey(), rn.Attrs)
		if err != nil {
			lastErr = err
			continue
		}
		return node{handle: rn.Handle, name: attrs.Name, size: rn.Size, key: key}, nil
	}
	return node{}, lastErr
}

// pickNode matches target against node handles first, then file names.
func pickNode(files []node, target string) (node, bool) {
	for _, f := range files {
		if f.handle == target {
			return f, true
		}
	}
	for _, f := range files {
		if domain.SameName(f.name, target) {
			return f, true
		}
	}
	return node{}, false
}

type rangeSource struct {
	client *http.Client
	url    string
	key    fileKey
}

// OpenRange downloads the ciphertext window and decrypts it on the fly.
func (s *rangeSource) OpenRange(ctx context.Context, r domain.ByteRange) (io.ReadCloser, error) {
	if s.url == "" {
		return nil, domain.Upstream(providerName, fmt.Errorf("no download URL"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%d-%d", s.url, r.Start, r.End), nil)
	if err != nil {
		return nil, domain.Upstream(providerName, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, domain.Upstream(providerName, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, domain.Upstream(providerName, fmt.Errorf("download HTTP %d", resp.StatusCode))
	}
	// Download hosts answer the window suffix with a plain 200. A body that
	// is not exactly the window means the suffix was ignored, and decrypting
	// it from block Start/16 would yield the wrong plaintext.
	if r.Start != 0 && resp.ContentLength != r.Length() {
		resp.Body.Close()
		return nil, domain.Upstream(providerName, fmt.Errorf("download host sent %d bytes for a %d byte window", resp.ContentLength, r.Length()))
	}
	reader, err := newCTRReader(s.key, r.Start, resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, domain.Upstream(providerName, err)
	}
	return reader, nil
}
