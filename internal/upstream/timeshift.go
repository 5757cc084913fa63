// SPDX-License-Identifier: MIT

package upstream

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/grafana/regexp"
)

// Timeshift carries catch-up parameters from the client request.
type Timeshift struct {
	UTCStart string // unix seconds
	UTCEnd   string // unix seconds
	Offset   string // seconds into the programme
}

// Empty reports whether no timeshift was requested.
func (t Timeshift) Empty() bool {
	return t.UTCStart == "" && t.UTCEnd == "" && t.Offset == ""
}

// catchupPath matches provider catch-up URLs of the form
// /catchup/<date>/<time>/ with dates like 2026-08-29 and times like
// 20-15 or 20-15-00.
var catchupPath = regexp.MustCompile(`/catchup/\d{4}-\d{2}-\d{2}/\d{2}-\d{2}(?:-\d{2})?/`)

// RewriteURL embeds timeshift parameters into the upstream URL. Providers
// disagree on parameter names, so each value is duplicated under every
// alias they are known to read; a catch-up path segment is additionally
// rewritten with the computed date and time, since some providers ignore
// the query entirely.
func RewriteURL(rawURL string, ts Timeshift) (string, error) {
	if ts.Empty() {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}

	q := u.Query()
	if ts.UTCStart != "" {
		q.Set("utc_start", ts.UTCStart)
		q.Set("start", ts.UTCStart)
	}
	if ts.UTCEnd != "" {
		q.Set("utc_end", ts.UTCEnd)
		q.Set("end", ts.UTCEnd)
	}
	if ts.Offset != "" {
		q.Set("offset", ts.Offset)
		q.Set("seek", ts.Offset)
		q.Set("t", ts.Offset)
	}
	u.RawQuery = q.Encode()

	if ts.UTCStart != "" && catchupPath.MatchString(u.Path) {
		if secs, err := strconv.ParseInt(ts.UTCStart, 10, 64); err == nil {
			start := time.Unix(secs, 0).UTC()
			segment := fmt.Sprintf("/catchup/%s/%s/",
				start.Format("2006-01-02"), start.Format("15-04-05"))
			u.Path = catchupPath.ReplaceAllString(u.Path, segment)
		}
	}

	return u.String(), nil
}
