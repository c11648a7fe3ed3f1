package relay

import (
	"strconv"
	"strings"

	"cloudrelay/internal/domain"
)

// ParseRange translates a client Range header into the window to relay from
// a file of size bytes. An absent header selects the whole file and ranged is
// false, so the caller answers 200. Only the single-window form
// "bytes=START-END" (END optional) is accepted; suffix ranges, other units and
// multi-range lists fail with ErrRangeNotSatisfiable. END is clamped to size-1.
func ParseRange(header string, size int64) (r domain.ByteRange, ranged bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.FullRange(size), false, nil
	}

	if len(header) < len("bytes=") || !strings.EqualFold(header[:len("bytes=")], "bytes=") {
		return domain.ByteRange{}, true, domain.ErrRangeNotSatisfiable
	}
	window := strings.TrimSpace(header[len("bytes="):])
	if window == "" || strings.Contains(window, ",") {
		return domain.ByteRange{}, true, domain.ErrRangeNotSatisfiable
	}

	startStr, endStr, ok := strings.Cut(window, "-")
	if !ok {
		return domain.ByteRange{}, true, domain.ErrRangeNotSatisfiable
	}
	start, ok := parseOffset(startStr)
	if !ok {
		return domain.ByteRange{}, true, domain.ErrRangeNotSatisfiable
	}

	end := size - 1
	if endStr = strings.TrimSpace(endStr); endStr != "" {
		requested, ok := parseOffset(endStr)
		if !ok {
			return domain.ByteRange{}, true, domain.ErrRangeNotSatisfiable
		}
		if requested < end {
			end = requested
		}
	}

	if start >= size || start > end {
		return domain.ByteRange{}, true, domain.ErrRangeNotSatisfiable
	}
	return domain.ByteRange{Start: start, End: end}, true, nil
}

func parseOffset(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
