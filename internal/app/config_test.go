package app

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var configKeys = []string{
	"ENV_FILE", "HTTP_ADDR", "LOG_LEVEL", "LOG_FORMAT", "CORS_ALLOWED_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "UPSTREAM_OPEN_TIMEOUT", "RELAY_BUFFER_BYTES",
	"MAX_CONCURRENT_RELAYS", "DEFAULT_CONTENT_TYPE", "CONTENT_TYPES",
	"MEGA_API_URL", "MEGA_API_RPS", "TERABOX_RESOLVER_URL", "GDRIVE_API_KEY",
	"TORRENT_ENABLED", "TORRENT_DATA_DIR", "TORRENT_IDLE_TIMEOUT",
	"REDIS_URL", "MANIFEST_CACHE_TTL", "MONGO_URI", "MONGO_DB", "MONGO_COLLECTION",
	"PROXY_ALLOWED_HOSTS", "PROXY_MAX_BODY_BYTES",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	// Point ENV_FILE at a file that does not exist so a stray .env in the
	// package directory cannot leak into the test.
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "text"},
		{"RateLimitRPS", cfg.RateLimitRPS, 100.0},
		{"RateLimitBurst", cfg.RateLimitBurst, 200},
		{"UpstreamOpenTimeout", cfg.UpstreamOpenTimeout, 30 * time.Second},
		{"RelayBufferBytes", cfg.RelayBufferBytes, 64 << 10},
		{"MaxConcurrentRelays", cfg.MaxConcurrentRelays, int64(0)},
		{"DefaultContentType", cfg.DefaultContentType, "video/mp4"},
		{"MegaAPIURL", cfg.MegaAPIURL, "https://g.api.mega.co.nz"},
		{"MegaAPIRPS", cfg.MegaAPIRPS, 5.0},
		{"TeraboxResolverURL", cfg.TeraboxResolverURL, ""},
		{"TorrentEnabled", cfg.TorrentEnabled, false},
		{"TorrentDataDir", cfg.TorrentDataDir, "data"},
		{"TorrentIdleTimeout", cfg.TorrentIdleTimeout, 10 * time.Minute},
		{"ManifestCacheTTL", cfg.ManifestCacheTTL, 10 * time.Minute},
		{"MongoURI", cfg.MongoURI, ""},
		{"MongoDatabase", cfg.MongoDatabase, "cloudrelay"},
		{"MongoCollection", cfg.MongoCollection, "relay_journal"},
		{"ProxyMaxBodyBytes", cfg.ProxyMaxBodyBytes, int64(8 << 20)},
	}
	for _, tc := range tests {
		if !reflect.DeepEqual(tc.got, tc.want) {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
	if len(cfg.CORSAllowedOrigins) != 0 || len(cfg.ProxyAllowedHosts) != 0 || len(cfg.ContentTypes) != 0 {
		t.Errorf("expected empty lists, got %+v", cfg)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	setEnvs(t, map[string]string{
		"HTTP_ADDR":             ":9090",
		"LOG_LEVEL":             "DEBUG",
		"CORS_ALLOWED_ORIGINS":  "https://a.example, https://b.example ,",
		"UPSTREAM_OPEN_TIMEOUT": "45",
		"MAX_CONCURRENT_RELAYS": "32",
		"CONTENT_TYPES":         ".MKV=video/webm, ts=video/mp2t, broken",
		"TORRENT_ENABLED":       "true",
		"TORRENT_IDLE_TIMEOUT":  "90s",
		"MEGA_API_RPS":          "2.5",
		"PROXY_ALLOWED_HOSTS":   "feeds.example.com",
	})
	cfg := LoadConfig()

	if cfg.HTTPAddr != ":9090" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected addr/level %q %q", cfg.HTTPAddr, cfg.LogLevel)
	}
	if !reflect.DeepEqual(cfg.CORSAllowedOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.UpstreamOpenTimeout != 45*time.Second {
		t.Fatalf("UpstreamOpenTimeout = %v", cfg.UpstreamOpenTimeout)
	}
	if cfg.MaxConcurrentRelays != 32 {
		t.Fatalf("MaxConcurrentRelays = %d", cfg.MaxConcurrentRelays)
	}
	wantTypes := map[string]string{".mkv": "video/webm", "ts": "video/mp2t"}
	if !reflect.DeepEqual(cfg.ContentTypes, wantTypes) {
		t.Fatalf("ContentTypes = %v", cfg.ContentTypes)
	}
	if !cfg.TorrentEnabled || cfg.TorrentIdleTimeout != 90*time.Second {
		t.Fatalf("torrent settings = %v %v", cfg.TorrentEnabled, cfg.TorrentIdleTimeout)
	}
	if cfg.MegaAPIRPS != 2.5 {
		t.Fatalf("MegaAPIRPS = %v", cfg.MegaAPIRPS)
	}
	if !reflect.DeepEqual(cfg.ProxyAllowedHosts, []string{"feeds.example.com"}) {
		t.Fatalf("ProxyAllowedHosts = %v", cfg.ProxyAllowedHosts)
	}
}

func TestLoadConfigInvalidValuesFallBack(t *testing.T) {
	clearConfigEnv(t)
	setEnvs(t, map[string]string{
		"RATE_LIMIT_RPS":        "fast",
		"RATE_LIMIT_BURST":      "-1",
		"UPSTREAM_OPEN_TIMEOUT": "soon",
		"RELAY_BUFFER_BYTES":    "big",
		"TORRENT_ENABLED":       "maybe",
		"MANIFEST_CACHE_TTL":    "-5m",
	})
	cfg := LoadConfig()

	if cfg.RateLimitRPS != 100 || cfg.RateLimitBurst != 200 {
		t.Fatalf("rate limit = %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.UpstreamOpenTimeout != 30*time.Second || cfg.ManifestCacheTTL != 10*time.Minute {
		t.Fatalf("durations = %v %v", cfg.UpstreamOpenTimeout, cfg.ManifestCacheTTL)
	}
	if cfg.RelayBufferBytes != 64<<10 || cfg.TorrentEnabled {
		t.Fatalf("buffer/torrent = %d %v", cfg.RelayBufferBytes, cfg.TorrentEnabled)
	}
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "relay.env")
	content := "HTTP_ADDR=:7070\nGDRIVE_API_KEY=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("HTTP_ADDR", ":6060")
	cfg := LoadConfig()

	if cfg.GDriveAPIKey != "from-file" {
		t.Fatalf("GDriveAPIKey = %q", cfg.GDriveAPIKey)
	}
	if cfg.HTTPAddr != ":6060" {
		t.Fatalf("process environment must win over the file, got %q", cfg.HTTPAddr)
	}
	os.Unsetenv("GDRIVE_API_KEY")
}
