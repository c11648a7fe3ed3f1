package apihttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/metrics"
	"cloudrelay/internal/relay"
)

var errOverloaded = errors.New("relay capacity exhausted")

// streamQuery reads the share locator from the query. megaUrl and url are
// accepted for older gallery builds.
func streamQuery(r *http.Request) (locator, nodeID string) {
	q := r.URL.Query()
	for _, key := range []string{"shareLocator", "megaUrl", "url"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			locator = v
			break
		}
	}
	return locator, strings.TrimSpace(q.Get("nodeId"))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, "GET, HEAD, OPTIONS")
		return
	}

	rawLocator, nodeID := streamQuery(r)
	rec := domain.RelayRecord{
		Locator:   redactLocator(rawLocator),
		NodeID:    nodeID,
		Method:    r.Method,
		StartedAt: time.Now().UTC(),
	}
	m := relay.NewMachine()

	if !s.gate.TryEnter() {
		metrics.RelayRejectedTotal.Inc()
		s.failBeforeBytes(w, r, m, &rec, errOverloaded, -1)
		return
	}
	defer s.gate.Leave()

	openCtx, disarm, cancel := relay.OpenDeadline(r.Context(), s.openTimeout)
	defer cancel()

	_ = m.To(relay.StateResolving)
	resolved, err := s.resolveFile.Execute(openCtx, rawLocator, nodeID)
	if err != nil {
		s.failBeforeBytes(w, r, m, &rec, err, -1)
		return
	}
	ref := resolved.File.Ref
	rec.Provider = ref.Provider
	rec.Locator = resolved.Locator.Redacted()
	rec.SizeBytes = ref.SizeBytes

	byteRange, ranged, err := relay.ParseRange(r.Header.Get("Range"), ref.SizeBytes)
	if err != nil {
		s.failBeforeBytes(w, r, m, &rec, err, ref.SizeBytes)
		return
	}
	_ = m.To(relay.StateRangeParsed)
	rec.Ranged = ranged
	rec.Start, rec.End = byteRange.Start, byteRange.End

	req := relay.Request{
		File:        resolved.File,
		Range:       byteRange,
		Ranged:      ranged,
		ContentType: resolved.ContentType,
	}

	if r.Method == http.MethodHead {
		relay.WriteHeaders(w, req)
		_ = m.To(relay.StateStreaming)
		_ = m.To(relay.StateCompleted)
		rec.Status = req.Status()
		rec.Outcome = domain.RelayCompleted
		s.recorder.Finished(rec)
		return
	}

	body, err := relay.Open(openCtx, req)
	if err != nil {
		s.failBeforeBytes(w, r, m, &rec, err, ref.SizeBytes)
		return
	}
	disarm()
	defer body.Close()

	rec = s.recorder.Started(rec)
	_ = m.To(relay.StateStreaming)
	metrics.RelaysInFlight.Inc()
	result := s.streamer.Stream(r.Context(), w, req, body, m)
	metrics.RelaysInFlight.Dec()

	rec.Status = result.Status
	rec.BytesSent = result.BytesSent
	rec.Outcome = result.Outcome
	rec.ErrorKind = domain.ErrorKind(result.Err)
	rec.DurationMs = time.Since(rec.StartedAt).Milliseconds()

	attrs := []slog.Attr{
		slog.String("relayId", rec.ID),
		slog.String("provider", rec.Provider),
		slog.String("locator", rec.Locator),
		slog.String("nodeId", rec.NodeID),
		slog.Int("status", result.Status),
		slog.Int64("start", byteRange.Start),
		slog.Int64("end", byteRange.End),
		slog.Int64("size", ref.SizeBytes),
		slog.Int64("bytesSent", result.BytesSent),
		slog.Int64("durationMs", rec.DurationMs),
	}

	switch result.Outcome {
	case domain.RelayCompleted:
		_ = m.To(relay.StateCompleted)
		s.logger.LogAttrs(r.Context(), slog.LevelInfo, "relay completed", attrs...)
		s.recorder.Finished(rec)
	case domain.RelayClientDisconnected:
		m.Fail()
		s.logger.LogAttrs(context.WithoutCancel(r.Context()), slog.LevelDebug, "relay client gone", attrs...)
		s.recorder.Finished(rec)
	default:
		m.Fail()
		attrs = append(attrs,
			slog.String("phase", "mid_stream"),
			slog.String("failedFrom", m.FailedFrom().String()),
			slog.String("error", result.Err.Error()),
		)
		s.logger.LogAttrs(r.Context(), slog.LevelError, "relay aborted", attrs...)
		s.recorder.Finished(rec)
		// Headers and part of the body are out; the only honest signal left
		// is a broken connection.
		panic(http.ErrAbortHandler)
	}
}

// failBeforeBytes answers a relay that failed before any body byte was sent.
func (s *Server) failBeforeBytes(w http.ResponseWriter, r *http.Request, m *relay.Machine, rec *domain.RelayRecord, err error, size int64) {
	m.Fail()
	kind := domain.ErrorKind(err)
	if errors.Is(err, errOverloaded) {
		kind = "overloaded"
	}
	rec.Outcome = domain.RelayFailedBeforeBytes
	rec.ErrorKind = kind
	rec.DurationMs = time.Since(rec.StartedAt).Milliseconds()

	attrs := []slog.Attr{
		slog.String("provider", rec.Provider),
		slog.String("locator", rec.Locator),
		slog.String("nodeId", rec.NodeID),
		slog.String("phase", "before_bytes"),
		slog.String("failedFrom", m.FailedFrom().String()),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	}

	if r.Context().Err() != nil {
		// Nobody is left to read an error body.
		rec.Outcome = domain.RelayClientDisconnected
		rec.ErrorKind = "client_gone"
		s.logger.LogAttrs(context.WithoutCancel(r.Context()), slog.LevelDebug, "relay client gone", attrs...)
		s.recorder.Finished(*rec)
		return
	}

	rec.Status = writeRelayError(w, err, size)
	s.logger.LogAttrs(r.Context(), slog.LevelWarn, "relay failed", attrs...)
	s.recorder.Finished(*rec)
}

func redactLocator(raw string) string {
	loc, err := domain.ParseLocator(raw)
	if err != nil {
		return ""
	}
	return loc.Redacted()
}
