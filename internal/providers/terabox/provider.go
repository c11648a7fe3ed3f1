// Package terabox resolves TeraBox share links through an external resolver
// service and streams the resolved direct URL.
package terabox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
	"cloudrelay/internal/providers/httpsource"
)

const providerName = "terabox"

var hostMarkers = []string{
	"terabox", "teraboxapp", "1024tera", "4funbox", "mirrobox",
	"nephobox", "freeterabox", "teraboxurl", "terasharelink",
}

var errNotConfigured = errors.New("terabox resolver is not configured")

type Config struct {
	ResolverURL string
	Client      *http.Client
}

type Provider struct {
	resolverURL string
	client      *http.Client
}

type resolverReply struct {
	StreamURL   string            `json:"streamUrl"`
	DirectURL   string            `json:"directUrl"`
	URL         string            `json:"url"`
	DownloadURL string            `json:"downloadUrl"`
	Title       string            `json:"title"`
	FileName    string            `json:"fileName"`
	Size        json.Number       `json:"size"`
	MimeType    string            `json:"mimeType"`
	Headers     map[string]string `json:"headers"`
}

func (r resolverReply) target() string {
	for _, candidate := range []string{r.StreamURL, r.DirectURL, r.URL, r.DownloadURL} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return ""
}

func (r resolverReply) name() string {
	if t := strings.TrimSpace(r.Title); t != "" {
		return t
	}
	return strings.TrimSpace(r.FileName)
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{resolverURL: strings.TrimSpace(cfg.ResolverURL), client: client}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Supports(loc domain.Locator) bool {
	host := loc.Host()
	if host == "" {
		return false
	}
	for _, marker := range hostMarkers {
		if strings.Contains(host, marker) {
			return true
		}
	}
	return false
}

// shareID extracts the share key from /s/<id> paths or a surl query value.
func shareID(loc domain.Locator) (string, error) {
	if loc.URL == nil {
		return "", domain.ErrInvalidLocator
	}
	if surl := strings.TrimSpace(loc.URL.Query().Get("surl")); surl != "" {
		return surl, nil
	}
	segments := strings.Split(strings.Trim(loc.URL.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "s" && segments[i+1] != "" {
			return segments[i+1], nil
		}
	}
	return "", domain.ErrInvalidLocator
}

// Resolve asks the resolver for the direct URL of the shared file. TeraBox
// shares resolve to a single file, so nodeID is ignored.
func (p *Provider) Resolve(ctx context.Context, loc domain.Locator, _ string) (ports.ResolvedFile, error) {
	id, err := shareID(loc)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	reply, err := p.callResolver(ctx, loc.Raw)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	target := reply.target()
	if target == "" {
		return ports.ResolvedFile{}, domain.Upstream(providerName, errors.New("resolver returned no stream URL"))
	}

	header := http.Header{}
	for k, v := range reply.Headers {
		header.Set(k, v)
	}
	src := httpsource.New(p.client, providerName, target, header)

	ref := domain.RemoteFileRef{
		Provider:     providerName,
		ShareLocator: loc.Redacted(),
		NodeID:       id,
		Name:         reply.name(),
		MimeType:     reply.MimeType,
		SizeBytes:    -1,
	}
	if size, err := reply.Size.Int64(); err == nil && size >= 0 {
		ref.SizeBytes = size
	}
	if ref.SizeBytes < 0 || ref.Name == "" {
		meta, err := src.Probe(ctx)
		if err != nil {
			return ports.ResolvedFile{}, err
		}
		if ref.SizeBytes < 0 {
			ref.SizeBytes = meta.Size
		}
		if ref.Name == "" {
			ref.Name = meta.Name
		}
		if ref.MimeType == "" {
			ref.MimeType = meta.ContentType
		}
	}
	return ports.ResolvedFile{Ref: ref, Source: src}, nil
}

func (p *Provider) List(ctx context.Context, loc domain.Locator) ([]domain.ManifestEntry, error) {
	resolved, err := p.Resolve(ctx, loc, "")
	if err != nil {
		return nil, err
	}
	ref := resolved.Ref
	return []domain.ManifestEntry{{ID: ref.NodeID, Name: ref.Name, Size: ref.SizeBytes, MimeType: ref.MimeType}}, nil
}

func (p *Provider) callResolver(ctx context.Context, shareURL string) (resolverReply, error) {
	if p.resolverURL == "" {
		return resolverReply{}, domain.Upstream(providerName, errNotConfigured)
	}
	payload, err := json.Marshal(map[string]string{"link": shareURL, "url": shareURL})
	if err != nil {
		return resolverReply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.resolverURL, bytes.NewReader(payload))
	if err != nil {
		return resolverReply{}, domain.Upstream(providerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return resolverReply{}, domain.Upstream(providerName, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return resolverReply{}, fmt.Errorf("terabox: resolver HTTP %d: %w", resp.StatusCode, domain.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return resolverReply{}, domain.Upstream(providerName, fmt.Errorf("resolver HTTP %d", resp.StatusCode))
	}

	var reply resolverReply
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&reply); err != nil {
		return resolverReply{}, domain.Upstream(providerName, fmt.Errorf("decode resolver reply: %w", err))
	}
	return reply, nil
}
