// SPDX-License-Identifier: MIT

package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultContentType is the fallback when neither the provider response
// nor the URL extension identifies the payload.
const DefaultContentType = "video/mp4"

// contentTypeByExt maps file extensions to media types for providers that
// answer without a usable Content-Type.
var contentTypeByExt = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".ts":   "video/mp2t",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
}

// UpstreamError carries the provider status for fetches that connected
// but did not succeed.
type UpstreamError struct {
	Status int
	URL    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.Status, e.URL)
}

// Handle is one open provider response ready to stream.
type Handle struct {
	Body        io.ReadCloser
	ContentType string
	// TotalSize is the size of the whole resource, derived preferentially
	// from the Content-Range total so a partial response still yields the
	// true file size. Zero when the provider reported neither.
	TotalSize int64
	// FinalURL is the post-redirect URL, cached so retries skip redirect
	// resolution.
	FinalURL string
	// Partial reports whether the provider answered 206. Span carries the
	// byte window the provider echoed in Content-Range, when parseable.
	Partial bool
	Span    *ByteRange
}

// Fetcher opens provider connections.
type Fetcher struct {
	client *http.Client
	logger zerolog.Logger
}

// NewFetcher wraps an HTTP client for provider fetches.
func NewFetcher(client *http.Client, logger zerolog.Logger) *Fetcher {
	return &Fetcher{client: client, logger: logger}
}

// Request describes one upstream fetch.
type Request struct {
	URL     string            // final URL when known, stream URL otherwise
	Headers map[string]string // forwarded request headers, including User-Agent
	Range   *ByteRange        // validated span, nil for a full fetch
	// RawRange forwards the client's Range header verbatim when the
	// content length is not yet known and validation was impossible.
	RawRange string
}

// Open performs the provider GET. Redirects are followed by the client;
// the response's final URL is reported back for caching. Non-2xx statuses
// close the body and surface an UpstreamError.
func (f *Fetcher) Open(ctx context.Context, req Request) (*Handle, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	switch {
	case req.Range != nil:
		httpReq.Header.Set("Range", req.Range.Header())
	case req.RawRange != "":
		httpReq.Header.Set("Range", req.RawRange)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_ = resp.Body.Close()
		return nil, &UpstreamError{Status: resp.StatusCode, URL: req.URL}
	}

	total := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if total == 0 && resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Handle{
		Body:        resp.Body,
		ContentType: deriveContentType(resp.Header.Get("Content-Type"), finalURL),
		TotalSize:   total,
		FinalURL:    finalURL,
		Partial:     resp.StatusCode == http.StatusPartialContent,
		Span:        parseContentRangeSpan(resp.Header.Get("Content-Range")),
	}, nil
}

// NewWindowReader carves a byte span out of a full-resource body, for
// providers that ignore the Range request and answer 200. The leading
// bytes are discarded lazily on the first read; reads stop at the span
// boundary and Close drops whatever the provider still had to send.
func NewWindowReader(rc io.ReadCloser, start, length int64) io.ReadCloser {
	return &windowReader{rc: rc, skip: start, remain: length}
}

type windowReader struct {
	rc     io.ReadCloser
	skip   int64
	remain int64
}

func (w *windowReader) Read(p []byte) (int, error) {
	if w.skip > 0 {
		if _, err := io.CopyN(io.Discard, w.rc, w.skip); err != nil {
			if err == io.EOF {
				// Body ended inside the skip; the provider lied about the
				// resource size.
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		w.skip = 0
	}
	if w.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > w.remain {
		p = p[:w.remain]
	}
	n, err := w.rc.Read(p)
	w.remain -= int64(n)
	return n, err
}

func (w *windowReader) Close() error {
	return w.rc.Close()
}

func deriveContentType(header, rawURL string) string {
	if header != "" && !strings.HasPrefix(header, "application/octet-stream") {
		return header
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ct, ok := contentTypeByExt[strings.ToLower(path.Ext(u.Path))]; ok {
			return ct
		}
	}
	return DefaultContentType
}
