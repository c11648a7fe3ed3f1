package app

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	UpstreamOpenTimeout time.Duration
	RelayBufferBytes    int
	MaxConcurrentRelays int64
	DefaultContentType  string
	ContentTypes        map[string]string

	MegaAPIURL         string
	MegaAPIRPS         float64
	TeraboxResolverURL string
	GDriveAPIKey       string
	TorrentEnabled     bool
	TorrentDataDir     string
	TorrentIdleTimeout time.Duration

	RedisURL         string
	ManifestCacheTTL time.Duration
	MongoURI         string
	MongoDatabase    string
	MongoCollection  string

	ProxyAllowedHosts []string
	ProxyMaxBodyBytes int64
}

// LoadConfig reads the environment. Variables from a .env file (ENV_FILE,
// default ".env") fill in whatever the process environment leaves unset.
func LoadConfig() Config {
	_ = loadDotEnv(getEnv("ENV_FILE", ".env"))

	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 100),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", 200)),

		UpstreamOpenTimeout: getEnvDuration("UPSTREAM_OPEN_TIMEOUT", 30*time.Second),
		RelayBufferBytes:    int(getEnvInt64("RELAY_BUFFER_BYTES", 64<<10)),
		MaxConcurrentRelays: getEnvInt64("MAX_CONCURRENT_RELAYS", 0),
		DefaultContentType:  getEnv("DEFAULT_CONTENT_TYPE", "video/mp4"),
		ContentTypes:        parseContentTypes(os.Getenv("CONTENT_TYPES")),

		MegaAPIURL:         getEnv("MEGA_API_URL", "https://g.api.mega.co.nz"),
		MegaAPIRPS:         getEnvFloat("MEGA_API_RPS", 5),
		TeraboxResolverURL: getEnv("TERABOX_RESOLVER_URL", ""),
		GDriveAPIKey:       getEnv("GDRIVE_API_KEY", ""),
		TorrentEnabled:     getEnvBool("TORRENT_ENABLED", false),
		TorrentDataDir:     getEnv("TORRENT_DATA_DIR", "data"),
		TorrentIdleTimeout: getEnvDuration("TORRENT_IDLE_TIMEOUT", 10*time.Minute),

		RedisURL:         getEnv("REDIS_URL", ""),
		ManifestCacheTTL: getEnvDuration("MANIFEST_CACHE_TTL", 10*time.Minute),
		MongoURI:         getEnv("MONGO_URI", ""),
		MongoDatabase:    getEnv("MONGO_DB", "cloudrelay"),
		MongoCollection:  getEnv("MONGO_COLLECTION", "relay_journal"),

		ProxyAllowedHosts: getEnvList("PROXY_ALLOWED_HOSTS"),
		ProxyMaxBodyBytes: getEnvInt64("PROXY_MAX_BODY_BYTES", 8<<20),
	}
}

// loadDotEnv applies path without overriding variables already set. A
// missing file is not an error.
func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("45s") and bare seconds ("45").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseContentTypes reads ".ext=type" pairs separated by commas.
func parseContentTypes(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		ext, typ, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		ext = strings.ToLower(strings.TrimSpace(ext))
		typ = strings.TrimSpace(typ)
		if ext == "" || typ == "" {
			continue
		}
		out[ext] = typ
	}
	return out
}
