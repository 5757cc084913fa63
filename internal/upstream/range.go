// SPDX-License-Identifier: MIT

package upstream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable signals a requested range outside the known
// content length. It maps to HTTP 416 and must be raised before any
// upstream connection is opened.
var ErrRangeNotSatisfiable = errors.New("upstream: requested range not satisfiable")

// ByteRange is an inclusive byte span of the resource.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Header renders the range as an HTTP Range request header value.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ContentRange renders the Content-Range response header. total is the
// full resource size, reported even though Content-Length only covers the
// span; an unknown total renders as "*".
func (r ByteRange) ContentRange(total int64) string {
	if total <= 0 {
		return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End)
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// ParseRange interprets a client Range header against a known content
// length. Supported forms: bytes=a-b, bytes=a- and bytes=-suffix. The end
// is clamped to the resource; a start at or past the end of the resource
// is unsatisfiable. A zero contentLength means the size is not yet known
// and no validation is possible; callers forward the raw header upstream.
func ParseRange(header string, contentLength int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		// Unknown unit; treat as no range rather than failing the request.
		return nil, nil
	}
	// Multiple ranges are not served for video; the first one wins.
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}

	if contentLength <= 0 {
		return nil, nil
	}

	// Suffix form: bytes=-N, the last N bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrRangeNotSatisfiable
		}
		if n > contentLength {
			n = contentLength
		}
		return &ByteRange{Start: contentLength - n, End: contentLength - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrRangeNotSatisfiable
	}
	if start >= contentLength {
		return nil, ErrRangeNotSatisfiable
	}

	end := contentLength - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, ErrRangeNotSatisfiable
		}
		if end > contentLength-1 {
			end = contentLength - 1
		}
	}
	return &ByteRange{Start: start, End: end}, nil
}

// parseContentRangeSpan extracts the served byte window from a
// Content-Range header ("bytes 0-1023/5000"). Returns nil when absent or
// unparseable.
func parseContentRangeSpan(header string) *ByteRange {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return nil
	}
	window, _, ok := strings.Cut(spec, "/")
	if !ok {
		return nil
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(window), "-")
	if !ok {
		return nil
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil
	}
	return &ByteRange{Start: start, End: end}
}

// parseContentRangeTotal extracts the total size from a Content-Range
// header ("bytes 0-1023/5000"). Returns 0 when absent or unparseable.
func parseContentRangeTotal(header string) int64 {
	if header == "" {
		return 0
	}
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
