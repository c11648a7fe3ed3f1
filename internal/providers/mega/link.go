package mega

import (
	"fmt"
	"strings"

	"cloudrelay/internal/domain"
)

type linkKind int

const (
	fileLink linkKind = iota
	folderLink
)

// link is a parsed public MEGA share.
type link struct {
	kind   linkKind
	handle string
	key    []byte
	// node is the file preselected by a /folder/<h>#<k>/file/<node> link.
	node string
}

func supportedHost(host string) bool {
	switch strings.TrimPrefix(host, "www.") {
	case "mega.nz", "mega.co.nz":
		return true
	}
	return false
}

// parseLink understands /file/<h>#<key>, /folder/<h>#<key>[/file/<node>]
// and the legacy #!<h>!<key> and #F!<h>!<key> fragments.
func parseLink(loc domain.Locator) (link, error) {
	if loc.URL == nil || !supportedHost(loc.Host()) {
		return link{}, domain.ErrInvalidLocator
	}
	fragment := loc.URL.Fragment
	p := strings.Trim(loc.URL.Path, "/")

	var l link
	var keyText string
	switch {
	case strings.HasPrefix(p, "file/"):
		l.kind = fileLink
		l.handle = strings.TrimPrefix(p, "file/")
		keyText = fragment
	case strings.HasPrefix(p, "folder/"):
		l.kind = folderLink
		l.handle = strings.TrimPrefix(p, "folder/")
		keyText = fragment
		if k, rest, ok := strings.Cut(fragment, "/"); ok {
			keyText = k
			kind, node, _ := strings.Cut(rest, "/")
			if kind != "file" && kind != "folder" {
				return link{}, domain.ErrInvalidLocator
			}
			if kind == "file" {
				l.node = node
			}
		}
	case strings.HasPrefix(fragment, "F!"):
		l.kind = folderLink
		parts := strings.Split(strings.TrimPrefix(fragment, "F!"), "!")
		if len(parts) < 2 {
			return link{}, domain.ErrInvalidLocator
		}
		l.handle, keyText = parts[0], parts[1]
		if len(parts) > 2 {
			l.node = parts[2]
		}
	case strings.HasPrefix(fragment, "!"):
		l.kind = fileLink
		parts := strings.Split(strings.TrimPrefix(fragment, "!"), "!")
		if len(parts) != 2 {
			return link{}, domain.ErrInvalidLocator
		}
		l.handle, keyText = parts[0], parts[1]
	default:
		return link{}, domain.ErrInvalidLocator
	}

	if l.handle == "" || strings.Contains(l.handle, "/") || keyText == "" {
		return link{}, domain.ErrInvalidLocator
	}
	key, err := decodeB64(keyText)
	if err != nil {
		return link{}, fmt.Errorf("%w: undecodable key", domain.ErrInvalidLocator)
	}
	want := 32
	if l.kind == folderLink {
		want = 16
	}
	if len(key) != want {
		return link{}, fmt.Errorf("%w: key has %d bytes, want %d", domain.ErrInvalidLocator, len(key), want)
	}
	l.key = key
	return l, nil
}
