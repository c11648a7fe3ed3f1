package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
	"cloudrelay/internal/metrics"
)

const (
	defaultJournalTimeout = 5 * time.Second

	EventRelayStarted  = "relay_started"
	EventRelayFinished = "relay_finished"
)

// RecordRelay publishes relay lifecycle events and journals finished relays.
// Journal writes run in the background and never delay a response.
type RecordRelay struct {
	Journal        ports.RelayJournal
	Feed           ports.RelayFeed
	Logger         *slog.Logger
	JournalTimeout time.Duration

	now     func() time.Time
	pending sync.WaitGroup
}

// Started stamps rec with an id and start time and announces it.
func (uc *RecordRelay) Started(rec domain.RelayRecord) domain.RelayRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = uc.clock()
	}
	if uc.Feed != nil {
		uc.Feed.Broadcast(EventRelayStarted, rec)
	}
	return rec
}

// Finished fills in the duration of rec, updates relay metrics, announces
// the record and queues it for the journal.
func (uc *RecordRelay) Finished(rec domain.RelayRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := uc.clock()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.DurationMs == 0 {
		rec.DurationMs = now.Sub(rec.StartedAt).Milliseconds()
	}

	provider := rec.Provider
	if provider == "" {
		provider = "unknown"
	}
	metrics.RelaysTotal.WithLabelValues(provider, string(rec.Outcome)).Inc()
	if rec.BytesSent > 0 {
		metrics.BytesRelayedTotal.WithLabelValues(provider).Add(float64(rec.BytesSent))
	}

	if uc.Feed != nil {
		uc.Feed.Broadcast(EventRelayFinished, rec)
	}
	if uc.Journal == nil {
		return
	}

	uc.pending.Add(1)
	go func() {
		defer uc.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), uc.journalTimeout())
		defer cancel()
		if err := uc.Journal.Insert(ctx, rec); err != nil {
			uc.logger().Warn("relay journal insert failed",
				slog.String("relayId", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Recent lists the latest journal entries, newest first. Without a journal
// the list is empty.
func (uc *RecordRelay) Recent(ctx context.Context, limit int) ([]domain.RelayRecord, error) {
	if uc.Journal == nil {
		return []domain.RelayRecord{}, nil
	}
	records, err := uc.Journal.ListRecent(ctx, limit)
	if err != nil {
		return nil, wrapRepo(err)
	}
	if records == nil {
		records = []domain.RelayRecord{}
	}
	return records, nil
}

// Wait blocks until queued journal writes are done.
func (uc *RecordRelay) Wait() {
	uc.pending.Wait()
}

func (uc *RecordRelay) clock() time.Time {
	if uc.now != nil {
		return uc.now()
	}
	return time.Now().UTC()
}

func (uc *RecordRelay) journalTimeout() time.Duration {
	if uc.JournalTimeout <= 0 {
		return defaultJournalTimeout
	}
	return uc.JournalTimeout
}

func (uc *RecordRelay) logger() *slog.Logger {
	if uc.Logger == nil {
		return slog.Default()
	}
	return uc.Logger
}
