package domain

import "fmt"

// ByteRange is an inclusive byte window [Start, End] of a remote file.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// FullRange covers the whole file. For an empty file End is -1 and the
// range has zero length.
func FullRange(size int64) ByteRange {
	return ByteRange{Start: 0, End: size - 1}
}

func (r ByteRange) Length() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for a file of size bytes.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// Valid checks 0 <= Start <= End < size.
func (r ByteRange) Valid(size int64) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End < size
}
