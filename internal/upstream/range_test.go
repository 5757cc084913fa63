// SPDX-License-Identifier: MIT

package upstream

import (
	"errors"
	"testing"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		length  int64
		want    *ByteRange
		wantErr bool
	}{
		{"no header", "", 5000, nil, false},
		{"plain span", "bytes=1000-1999", 5000, &ByteRange{1000, 1999}, false},
		{"open ended", "bytes=4000-", 5000, &ByteRange{4000, 4999}, false},
		{"suffix", "bytes=-500", 5000, &ByteRange{4500, 4999}, false},
		{"suffix larger than resource", "bytes=-9000", 5000, &ByteRange{0, 4999}, false},
		{"end clamped", "bytes=1000-99999", 5000, &ByteRange{1000, 4999}, false},
		{"start past end", "bytes=6000-", 5000, nil, true},
		{"start at length", "bytes=5000-", 5000, nil, true},
		{"inverted", "bytes=2000-1000", 5000, nil, true},
		{"unknown length passes through", "bytes=1000-1999", 0, nil, false},
		{"unknown unit ignored", "items=0-5", 5000, nil, false},
		{"multi range takes first", "bytes=0-99,200-299", 5000, &ByteRange{0, 99}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.length)
			if tt.wantErr {
				if !errors.Is(err, ErrRangeNotSatisfiable) {
					t.Fatalf("expected ErrRangeNotSatisfiable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want == nil {
				if got != nil {
					t.Fatalf("expected nil range, got %+v", got)
				}
				return
			}
			if got == nil || *got != *tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestByteRangeHeaders(t *testing.T) {
	r := ByteRange{Start: 1000, End: 1999}

	if r.Length() != 1000 {
		t.Errorf("expected length 1000, got %d", r.Length())
	}
	if r.Header() != "bytes=1000-1999" {
		t.Errorf("unexpected range header: %s", r.Header())
	}
	// Content-Range reports the full resource size even though the
	// response body only covers the span.
	if r.ContentRange(5000) != "bytes 1000-1999/5000" {
		t.Errorf("unexpected content range: %s", r.ContentRange(5000))
	}
	// An unknown total renders as "*", never a literal zero.
	if r.ContentRange(0) != "bytes 1000-1999/*" {
		t.Errorf("unexpected content range for unknown total: %s", r.ContentRange(0))
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		header string
		want   int64
	}{
		{"bytes 0-1023/5000", 5000},
		{"bytes 1000-1999/5000", 5000},
		{"bytes 0-1023/*", 0},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseContentRangeTotal(tt.header); got != tt.want {
			t.Errorf("parseContentRangeTotal(%q) = %d, want %d", tt.header, got, tt.want)
		}
	}
}

func TestParseContentRangeSpan(t *testing.T) {
	tests := []struct {
		header string
		want   *ByteRange
	}{
		{"bytes 0-1023/5000", &ByteRange{Start: 0, End: 1023}},
		{"bytes 2-5/10", &ByteRange{Start: 2, End: 5}},
		{"bytes 0-1023/*", &ByteRange{Start: 0, End: 1023}},
		{"bytes */5000", nil},
		{"", nil},
		{"garbage", nil},
	}
	for _, tt := range tests {
		got := parseContentRangeSpan(tt.header)
		if (got == nil) != (tt.want == nil) {
			t.Errorf("parseContentRangeSpan(%q) = %v, want %v", tt.header, got, tt.want)
			continue
		}
		if got != nil && *got != *tt.want {
			t.Errorf("parseContentRangeSpan(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
