package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
)

type fakeSource struct {
	data []byte
}

func (s *fakeSource) OpenRange(_ context.Context, r domain.ByteRange) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data[r.Start : r.End+1])), nil
}

type fakeProvider struct {
	name      string
	host      string
	resolve   func(ctx context.Context, loc domain.Locator, nodeID string) (ports.ResolvedFile, error)
	list      func(ctx context.Context, loc domain.Locator) ([]domain.ManifestEntry, error)
	listCalls atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Supports(loc domain.Locator) bool {
	return strings.HasSuffix(loc.Host(), p.host)
}

func (p *fakeProvider) Resolve(ctx context.Context, loc domain.Locator, nodeID string) (ports.ResolvedFile, error) {
	if p.resolve == nil {
		return ports.ResolvedFile{}, errors.New("resolve not configured")
	}
	return p.resolve(ctx, loc, nodeID)
}

func (p *fakeProvider) List(ctx context.Context, loc domain.Locator) ([]domain.ManifestEntry, error) {
	p.listCalls.Add(1)
	if p.list == nil {
		return nil, errors.New("list not configured")
	}
	return p.list(ctx, loc)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]domain.ManifestEntry
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string][]domain.ManifestEntry),
		ttls:    make(map[string]time.Duration),
	}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]domain.ManifestEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	entries, ok := c.entries[key]
	return entries, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, entries []domain.ManifestEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[key] = entries
	c.ttls[key] = ttl
	return nil
}

type fakeJournal struct {
	mu        sync.Mutex
	records   []domain.RelayRecord
	insertErr error
	listErr   error
	lastLimit int
}

func (j *fakeJournal) Insert(_ context.Context, rec domain.RelayRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.insertErr != nil {
		return j.insertErr
	}
	j.records = append(j.records, rec)
	return nil
}

func (j *fakeJournal) ListRecent(_ context.Context, limit int) ([]domain.RelayRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastLimit = limit
	if j.listErr != nil {
		return nil, j.listErr
	}
	return append([]domain.RelayRecord(nil), j.records...), nil
}

func (j *fakeJournal) snapshot() []domain.RelayRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.RelayRecord(nil), j.records...)
}

type feedEvent struct {
	msgType string
	data    any
}

type fakeFeed struct {
	mu     sync.Mutex
	events []feedEvent
}

func (f *fakeFeed) Broadcast(msgType string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, feedEvent{msgType: msgType, data: data})
}
