package domain

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".webm": {}, ".ogg": {}, ".mov": {}, ".avi": {},
	".mkv": {}, ".flv": {}, ".wmv": {}, ".m4v": {},
}

// IsVideoName reports whether a file name carries a playable video extension.
func IsVideoName(name string) bool {
	_, ok := videoExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

// SameName compares two file names after NFC normalisation. Share listings
// mix NFC and NFD encodings depending on the uploader's platform.
func SameName(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return norm.NFC.String(a) == norm.NFC.String(b)
}
