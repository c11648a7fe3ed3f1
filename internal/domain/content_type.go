package domain

import (
	"mime"
	"path"
	"strings"
)

const DefaultContentType = "video/mp4"

var builtinContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
	".ogg":  "video/ogg",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ContentTypes picks the Content-Type of a relayed file. Lookup order:
// configured extension overrides, built-in media table, provider-supplied
// type, the mime package, then the fallback.
type ContentTypes struct {
	overrides map[string]string
	fallback  string
}

func NewContentTypes(overrides map[string]string, fallback string) ContentTypes {
	clean := make(map[string]string, len(overrides))
	for ext, typ := range overrides {
		ext = strings.ToLower(strings.TrimSpace(ext))
		typ = strings.TrimSpace(typ)
		if ext == "" || typ == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		clean[ext] = typ
	}
	fallback = strings.TrimSpace(fallback)
	if fallback == "" {
		fallback = DefaultContentType
	}
	return ContentTypes{overrides: clean, fallback: fallback}
}

func (c ContentTypes) Resolve(name, providerType string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext != "" {
		if typ, ok := c.overrides[ext]; ok {
			return typ
		}
		if typ, ok := builtinContentTypes[ext]; ok {
			return typ
		}
	}
	if typ := usableProviderType(providerType); typ != "" {
		return typ
	}
	if ext != "" {
		if typ := mime.TypeByExtension(ext); typ != "" {
			return typ
		}
	}
	if c.fallback == "" {
		return DefaultContentType
	}
	return c.fallback
}

func usableProviderType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "application/octet-stream", "binary/octet-stream", "application/force-download":
		return ""
	}
	return raw
}
