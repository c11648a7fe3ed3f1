package domain

import (
	"net/url"
	"strings"
)

// Locator is a parsed share locator.
type Locator struct {
	Raw string
	URL *url.URL
}

// ParseLocator accepts http(s) share URLs and magnet links.
func ParseLocator(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Locator{}, ErrInvalidLocator
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Locator{}, ErrInvalidLocator
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return Locator{}, ErrInvalidLocator
		}
	case "magnet":
	default:
		return Locator{}, ErrInvalidLocator
	}
	return Locator{Raw: raw, URL: u}, nil
}

// Host returns the lower-cased host without port.
func (l Locator) Host() string {
	if l.URL == nil {
		return ""
	}
	return strings.ToLower(l.URL.Hostname())
}

// Redacted drops the parts of the locator that carry secrets (MEGA keys live
// in the fragment) so it can be logged and stored.
func (l Locator) Redacted() string {
	if l.URL == nil {
		return ""
	}
	if strings.EqualFold(l.URL.Scheme, "magnet") {
		if xt := l.URL.Query().Get("xt"); xt != "" {
			return "magnet:?xt=" + xt
		}
		return "magnet:"
	}
	clean := *l.URL
	clean.Fragment = ""
	clean.RawFragment = ""
	clean.RawQuery = ""
	clean.User = nil
	return clean.String()
}

// RemoteFileRef identifies one remote object resolved for a relay request.
type RemoteFileRef struct {
	Provider     string `json:"provider"`
	ShareLocator string `json:"shareLocator"`
	NodeID       string `json:"nodeId,omitempty"`
	Name         string `json:"name"`
	SizeBytes    int64  `json:"sizeBytes"`
	MimeType     string `json:"mimeType"`
}

// ManifestEntry is one candidate file of a share as returned by the manifest endpoint.
type ManifestEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType,omitempty"`
	StreamURL string `json:"streamUrl,omitempty"`
}
