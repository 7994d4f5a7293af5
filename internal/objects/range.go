package objects

import (
	"strconv"
	"strings"

	"depot/internal/s3err"
)

// Range is a single byte range request. Either Suffix is set (the last
// Suffix bytes) or Start is set with End being -1 for an open range.
type Range struct {
	Start  int64
	End    int64
	Suffix int64
}

// ParseRange parses a Range header of the form bytes=a-b, bytes=a- or
// bytes=-n. Headers that are syntactically invalid or ask for several ranges
// are reported as absent, so the whole object is served.
func ParseRange(header string) (*Range, bool) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, false
	}

	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, false
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return nil, false
		}
		return &Range{Start: -1, End: -1, Suffix: n}, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, false
	}
	if last == "" {
		return &Range{Start: start, End: -1}, true
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil, false
	}
	return &Range{Start: start, End: end}, true
}

// Resolve returns the offset and length of the range within an object of the
// given size, or InvalidRange when no byte of the object is selected.
func (r Range) Resolve(size int64) (offset int64, length int64, err error) {
	if r.Start < 0 {
		if r.Suffix == 0 || size == 0 {
			return 0, 0, s3err.ErrInvalidRange
		}
		n := min(r.Suffix, size)
		return size - n, n, nil
	}

	if r.Start >= size {
		return 0, 0, s3err.ErrInvalidRange
	}
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return r.Start, end - r.Start + 1, nil
}
