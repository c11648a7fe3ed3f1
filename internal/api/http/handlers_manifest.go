package apihttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/relay"
)

const (
	maxResolveBodyBytes = 64 << 10
	defaultRelaysLimit  = 50
)

type resolveRequest struct {
	ShareLocator string `json:"shareLocator"`
	MegaURL      string `json:"megaUrl"`
	ShareURL     string `json:"shareUrl"`
}

func (r resolveRequest) locator() string {
	for _, v := range []string{r.ShareLocator, r.MegaURL, r.ShareURL} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type relaysResponse struct {
	Relays []domain.RelayRecord `json:"relays"`
	Count  int                  `json:"count"`
}

type healthResponse struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
	WSClients int      `json:"wsClients"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST, OPTIONS")
		return
	}
	if s.buildManifest == nil {
		writeError(w, http.StatusNotImplemented, "unsupported", "manifest not configured")
		return
	}

	var body resolveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxResolveBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	raw := body.locator()
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_locator", "shareLocator is required")
		return
	}

	ctx, disarm, cancel := relay.OpenDeadline(r.Context(), s.openTimeout)
	defer cancel()
	defer disarm()

	manifest, err := s.buildManifest.Execute(ctx, raw)
	if err != nil {
		status := writeRelayError(w, err, -1)
		s.logger.Warn("manifest failed",
			slog.String("locator", redactLocator(raw)),
			slog.Int("status", status),
			slog.String("kind", domain.ErrorKind(err)),
			slog.String("error", err.Error()),
		)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	limit := defaultRelaysLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.recorder.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("relay journal list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "repository_error", "relay journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, relaysResponse{Relays: records, Count: len(records)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	providers := s.providers
	if providers == nil {
		providers = []string{}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Providers: providers,
		WSClients: s.wsHub.clientCount(),
	})
}
