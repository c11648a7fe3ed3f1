// Package gdrive resolves Google Drive share links. With an API key it uses
// the Drive v3 API, otherwise the public download endpoint.
package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
	"cloudrelay/internal/providers/httpsource"
)

const (
	providerName = "gdrive"
	folderMime   = "application/vnd.google-apps.folder"

	DefaultAPIBaseURL      = "https://www.googleapis.com/drive/v3"
	DefaultDownloadBaseURL = "https://drive.usercontent.google.com/download"
)

var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

var errNeedsAPIKey = errors.New("gdrive: folder listings need an API key")

type Config struct {
	APIKey          string
	APIBaseURL      string
	DownloadBaseURL string
	Client          *http.Client
}

type Provider struct {
	apiKey      string
	apiBase     string
	downloadURL string
	client      *http.Client
}

type shareKind int

const (
	fileShare shareKind = iota
	folderShare
)

type driveFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     string `json:"size"`
	MimeType string `json:"mimeType"`
}

func (f driveFile) size() int64 {
	v, err := strconv.ParseInt(f.Size, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

type fileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiBase == "" {
		apiBase = DefaultAPIBaseURL
	}
	download := strings.TrimSpace(cfg.DownloadBaseURL)
	if download == "" {
		download = DefaultDownloadBaseURL
	}
	return &Provider{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		apiBase:     apiBase,
		downloadURL: download,
		client:      client,
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Supports(loc domain.Locator) bool {
	switch loc.Host() {
	case "drive.google.com", "drive.usercontent.google.com", "docs.google.com":
		return true
	}
	return false
}

// parseShare extracts the Drive id from /file/d/<id>, open?id=, uc?id=,
// download?id= and /drive/folders/<id> links.
func parseShare(loc domain.Locator) (string, shareKind, error) {
	if loc.URL == nil {
		return "", fileShare, domain.ErrInvalidLocator
	}
	segments := strings.Split(strings.Trim(loc.URL.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		switch {
		case segments[i] == "folders" && segments[i+1] != "":
			return segments[i+1], folderShare, nil
		case segments[i] == "file" && segments[i+1] == "d" && i+2 < len(segments) && segments[i+2] != "":
			return segments[i+2], fileShare, nil
		}
	}
	if id := strings.TrimSpace(loc.URL.Query().Get("id")); id != "" {
		return id, fileShare, nil
	}
	return "", fileShare, domain.ErrInvalidLocator
}

// Resolve picks the shared file or, for folders, the member named by nodeID
// (Drive id first, then file name).
func (p *Provider) Resolve(ctx context.Context, loc domain.Locator, nodeID string) (ports.ResolvedFile, error) {
	id, kind, err := parseShare(loc)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	if p.apiKey == "" {
		if kind == folderShare {
			return ports.ResolvedFile{}, domain.Upstream(providerName, errNeedsAPIKey)
		}
		return p.resolvePublic(ctx, loc, id)
	}

	if kind == fileShare {
		meta, err := p.metadata(ctx, id)
		if err != nil {
			return ports.ResolvedFile{}, err
		}
		if meta.MimeType != folderMime {
			return p.resolved(loc, meta), nil
		}
	}

	target := strings.TrimSpace(nodeID)
	if target == "" {
		return ports.ResolvedFile{}, domain.ErrAmbiguousTarget
	}
	files, err := p.listTree(ctx, id)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	for _, f := range files {
		if f.ID == target {
			return p.resolved(loc, f), nil
		}
	}
	for _, f := range files {
		if domain.SameName(f.Name, target) {
			return p.resolved(loc, f), nil
		}
	}
	return ports.ResolvedFile{}, fmt.Errorf("gdrive: node %q: %w", target, domain.ErrNotFound)
}

func (p *Provider) List(ctx context.Context, loc domain.Locator) ([]domain.ManifestEntry, error) {
	id, kind, err := parseShare(loc)
	if err != nil {
		return nil, err
	}
	if p.apiKey == "" {
		if kind == folderShare {
			return nil, domain.Upstream(providerName, errNeedsAPIKey)
		}
		resolved, err := p.resolvePublic(ctx, loc, id)
		if err != nil {
			return nil, err
		}
		ref := resolved.Ref
		return []domain.ManifestEntry{{ID: id, Name: ref.Name, Size: ref.SizeBytes, MimeType: ref.MimeType}}, nil
	}

	if kind == fileShare {
		meta, err := p.metadata(ctx, id)
		if err != nil {
			return nil, err
		}
		if meta.MimeType != folderMime {
			return []domain.ManifestEntry{toEntry(meta)}, nil
		}
	}
	files, err := p.listTree(ctx, id)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.ManifestEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, toEntry(f))
	}
	return entries, nil
}

func toEntry(f driveFile) domain.ManifestEntry {
	return domain.ManifestEntry{ID: f.ID, Name: f.Name, Size: f.size(), MimeType: f.MimeType}
}

func (p *Provider) resolved(loc domain.Locator, f driveFile) ports.ResolvedFile {
	q := url.Values{}
	q.Set("alt", "media")
	q.Set("supportsAllDrives", "true")
	q.Set("key", p.apiKey)
	media := p.apiBase + "/files/" + url.PathEscape(f.ID) + "?" + q.Encode()
	return ports.ResolvedFile{
		Ref: domain.RemoteFileRef{
			Provider:     providerName,
			ShareLocator: loc.Redacted(),
			NodeID:       f.ID,
			Name:         f.Name,
			SizeBytes:    f.size(),
			MimeType:     f.MimeType,
		},
		Source: httpsource.New(p.client, providerName, media, nil),
	}
}

func (p *Provider) resolvePublic(ctx context.Context, loc domain.Locator, id string) (ports.ResolvedFile, error) {
	q := url.Values{}
	q.Set("id", id)
	q.Set("export", "download")
	q.Set("confirm", "t")
	src := httpsource.New(p.client, providerName, p.downloadURL+"?"+q.Encode(), nil)
	meta, err := src.Probe(ctx)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	if strings.HasPrefix(meta.ContentType, "text/html") {
		// Drive answers with an HTML interstitial for files it will not serve directly.
		return ports.ResolvedFile{}, domain.Upstream(providerName, errors.New("public download returned an HTML page"))
	}
	return ports.ResolvedFile{
		Ref: domain.RemoteFileRef{
			Provider:     providerName,
			ShareLocator: loc.Redacted(),
			NodeID:       id,
			Name:         meta.Name,
			SizeBytes:    meta.Size,
			MimeType:     meta.ContentType,
		},
		Source: src,
	}, nil
}

func (p *Provider) metadata(ctx context.Context, id string) (driveFile, error) {
	q := url.Values{}
	q.Set("fields", "id,name,size,mimeType")
	q.Set("supportsAllDrives", "true")
	q.Set("key", p.apiKey)
	var f driveFile
	err := p.getJSON(ctx, p.apiBase+"/files/"+url.PathEscape(id)+"?"+q.Encode(), &f)
	return f, err
}

// listTree returns every non-folder file below folderID.
func (p *Provider) listTree(ctx context.Context, folderID string) ([]driveFile, error) {
	var files []driveFile
	pending := []string{folderID}
	seen := map[string]bool{folderID: true}
	for len(pending) > 0 {
		parent := pending[0]
		pending = pending[1:]

		pageToken := ""
		for {
			q := url.Values{}
			q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", queryEscaper.Replace(parent)))
			q.Set("fields", "nextPageToken,files(id,name,size,mimeType)")
			q.Set("pageSize", "1000")
			q.Set("supportsAllDrives", "true")
			q.Set("includeItemsFromAllDrives", "true")
			q.Set("key", p.apiKey)
			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}
			var page fileList
			if err := p.getJSON(ctx, p.apiBase+"/files?"+q.Encode(), &page); err != nil {
				return nil, err
			}
			for _, f := range page.Files {
				if f.MimeType == folderMime {
					if !seen[f.ID] {
						seen[f.ID] = true
						pending = append(pending, f.ID)
					}
					continue
				}
				files = append(files, f)
			}
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}
	return files, nil
}

func (p *Provider) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Upstream(providerName, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Upstream(providerName, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("gdrive: HTTP 404: %w", domain.ErrNotFound)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("gdrive: HTTP 400: %w", domain.ErrInvalidLocator)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return domain.Upstream(providerName, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out); err != nil {
		return domain.Upstream(providerName, fmt.Errorf("decode: %w", err))
	}
	return nil
}
