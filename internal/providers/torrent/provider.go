// Package torrent serves magnet links by streaming files straight out of an
// anacrolix torrent client.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
)

const (
	providerName = "torrent"

	addMagnetTimeout = 10 * time.Second
	defaultReadahead = 8 << 20
)

var errClientBusy = errors.New("torrent client busy")

type Config struct {
	DataDir     string
	IdleTimeout time.Duration
	Readahead   int64
	Logger      *slog.Logger
}

type Provider struct {
	client      *torrent.Client
	readahead   int64
	idleTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	torrents map[string]*entry

	reaperCancel context.CancelFunc
}

// entry tracks one added torrent. active counts open range readers; idle
// torrents without readers are dropped by the reaper.
type entry struct {
	t          *torrent.Torrent
	drop       func()
	lastAccess time.Time
	active     int
}

// fileMeta is the provider's view of one file inside a torrent.
type fileMeta struct {
	Index  int
	Path   string
	Length int64
}

func New(cfg Config) (*Provider, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	p := newProvider(cfg)
	p.client = client
	if p.idleTimeout > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.reaperCancel = cancel
		go p.idleReaper(ctx)
	}
	return p, nil
}

func newProvider(cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readahead := cfg.Readahead
	if readahead <= 0 {
		readahead = defaultReadahead
	}
	return &Provider{
		readahead:   readahead,
		idleTimeout: cfg.IdleTimeout,
		logger:      logger,
		torrents:    make(map[string]*entry),
	}
}

func (p *Provider) Close() error {
	if p.reaperCancel != nil {
		p.reaperCancel()
	}
	if p.client == nil {
		return nil
	}
	if errs := p.client.Close(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Supports(loc domain.Locator) bool {
	if loc.URL == nil || !strings.EqualFold(loc.URL.Scheme, "magnet") {
		return false
	}
	for _, xt := range loc.URL.Query()["xt"] {
		if strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			return true
		}
	}
	return false
}

// Resolve waits for the torrent metadata and picks the file. Multi-file
// torrents need nodeID: a file index or the file path.
func (p *Provider) Resolve(ctx context.Context, loc domain.Locator, nodeID string) (ports.ResolvedFile, error) {
	t, err := p.metadata(ctx, loc)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	f, err := pickFile(mapFiles(t), nodeID)
	if err != nil {
		return ports.ResolvedFile{}, err
	}
	return ports.ResolvedFile{
		Ref: domain.RemoteFileRef{
			Provider:     providerName,
			ShareLocator: loc.Redacted(),
			NodeID:       strconv.Itoa(f.Index),
			Name:         path.Base(f.Path),
			SizeBytes:    f.Length,
		},
		Source: &fileSource{provider: p, hash: t.InfoHash().HexString(), file: t.Files()[f.Index]},
	}, nil
}

func (p *Provider) List(ctx context.Context, loc domain.Locator) ([]domain.ManifestEntry, error) {
	t, err := p.metadata(ctx, loc)
	if err != nil {
		return nil, err
	}
	files := mapFiles(t)
	entries := make([]domain.ManifestEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, domain.ManifestEntry{ID: strconv.Itoa(f.Index), Name: f.Path, Size: f.Length})
	}
	return entries, nil
}

// metadata adds the magnet if needed and blocks until its info arrives or
// ctx ends.
func (p *Provider) metadata(ctx context.Context, loc domain.Locator) (*torrent.Torrent, error) {
	if !p.Supports(loc) {
		return nil, domain.ErrInvalidLocator
	}
	if p.client == nil {
		return nil, domain.Upstream(providerName, errors.New("torrent client not configured"))
	}
	t, err := p.add(ctx, loc.Raw)
	if err != nil {
		return nil, err
	}
	if err := p.waitInfo(ctx, t.InfoHash().HexString(), t.GotInfo()); err != nil {
		return nil, err
	}
	return t, nil
}

// waitInfo blocks until gotInfo closes. The torrent counts as active for the
// whole wait so the idle reaper leaves it alone.
func (p *Provider) waitInfo(ctx context.Context, hash string, gotInfo <-chan struct{}) error {
	p.acquire(hash)
	defer p.release(hash)
	select {
	case <-gotInfo:
		return nil
	case <-ctx.Done():
		return domain.Upstream(providerName, fmt.Errorf("waiting for metadata: %w", ctx.Err()))
	}
}

func (p *Provider) add(ctx context.Context, magnet string) (*torrent.Torrent, error) {
	// AddMagnet can block on the client lock while another torrent resolves.
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, err := p.client.AddMagnet(magnet)
		ch <- addResult{t, err}
	}()
	dropLate := func() {
		if res := <-ch; res.t != nil {
			p.forgetIfUntracked(res.t)
		}
	}

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidLocator, res.err)
		}
		t = res.t
	case <-time.After(addMagnetTimeout):
		go dropLate()
		return nil, domain.Upstream(providerName, errClientBusy)
	case <-ctx.Done():
		go dropLate()
		return nil, domain.Upstream(providerName, ctx.Err())
	}

	p.track(t.InfoHash().HexString(), t, t.Drop)
	return t, nil
}

// forgetIfUntracked drops a torrent added after its caller gave up, unless
// another request tracks it.
func (p *Provider) forgetIfUntracked(t *torrent.Torrent) {
	p.mu.Lock()
	_, tracked := p.torrents[t.InfoHash().HexString()]
	p.mu.Unlock()
	if !tracked {
		t.Drop()
	}
}

func (p *Provider) track(hash string, t *torrent.Torrent, drop func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.torrents[hash]
	if !ok {
		e = &entry{t: t, drop: drop}
		p.torrents[hash] = e
	}
	e.lastAccess = time.Now()
}

// acquire marks a reader as open on hash.
func (p *Provider) acquire(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.torrents[hash]; ok {
		e.active++
		e.lastAccess = time.Now()
	}
}

func (p *Provider) release(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.torrents[hash]; ok {
		if e.active > 0 {
			e.active--
		}
		e.lastAccess = time.Now()
	}
}

func (p *Provider) idleReaper(ctx context.Context) {
	interval := p.idleTimeout / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.reapIdle(now)
		}
	}
}

// reapIdle drops torrents without open readers that were not touched for
// idleTimeout.
func (p *Provider) reapIdle(now time.Time) int {
	p.mu.Lock()
	var victims []*entry
	for hash, e := range p.torrents {
		if e.active == 0 && now.Sub(e.lastAccess) > p.idleTimeout {
			victims = append(victims, e)
			delete(p.torrents, hash)
			p.logger.Info("dropping idle torrent",
				slog.String("infoHash", hash),
				slog.Duration("idleTimeout", p.idleTimeout),
			)
		}
	}
	p.mu.Unlock()

	for _, e := range victims {
		if e.drop != nil {
			e.drop()
		}
	}
	return len(victims)
}

func mapFiles(t *torrent.Torrent) []fileMeta {
	files := t.Files()
	mapped := make([]fileMeta, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, fileMeta{Index: i, Path: f.DisplayPath(), Length: f.Length()})
	}
	return mapped
}

// pickFile selects the file a relay should serve. Single-file torrents
// ignore nodeID.
func pickFile(files []fileMeta, nodeID string) (fileMeta, error) {
	switch len(files) {
	case 0:
		return fileMeta{}, fmt.Errorf("torrent has no files: %w", domain.ErrNotFound)
	case 1:
		return files[0], nil
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return fileMeta{}, domain.ErrAmbiguousTarget
	}
	if idx, err := strconv.Atoi(nodeID); err == nil {
		if idx >= 0 && idx < len(files) {
			return files[idx], nil
		}
		return fileMeta{}, fmt.Errorf("file index %d: %w", idx, domain.ErrNotFound)
	}
	for _, f := range files {
		if domain.SameName(f.Path, nodeID) {
			return f, nil
		}
	}
	for _, f := range files {
		if domain.SameName(path.Base(f.Path), nodeID) {
			return f, nil
		}
	}
	return fileMeta{}, fmt.Errorf("file %q: %w", nodeID, domain.ErrNotFound)
}

type fileSource struct {
	provider *Provider
	hash     string
	file     *torrent.File
}

// OpenRange returns a blocking reader positioned at r.Start. Pieces are
// fetched on demand with the configured readahead.
func (s *fileSource) OpenRange(ctx context.Context, r domain.ByteRange) (io.ReadCloser, error) {
	reader := s.file.NewReader()
	reader.SetContext(ctx)
	reader.SetReadahead(s.provider.readahead)
	if _, err := reader.Seek(r.Start, io.SeekStart); err != nil {
		reader.Close()
		return nil, domain.Upstream(providerName, err)
	}
	s.provider.acquire(s.hash)
	return &trackedReader{
		Reader: io.LimitReader(reader, r.Length()),
		close: func() error {
			s.provider.release(s.hash)
			return reader.Close()
		},
	}, nil
}

type trackedReader struct {
	io.Reader
	once  sync.Once
	close func() error
	err   error
}

func (r *trackedReader) Close() error {
	r.once.Do(func() { r.err = r.close() })
	return r.err
}
