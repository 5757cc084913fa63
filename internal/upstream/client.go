// SPDX-License-Identifier: MIT

// Package upstream opens and continues provider fetches: range handling,
// content metadata derivation and timeshift URL rewriting.
package upstream

import (
	"net/http"
	"time"
)

// NewHTTPClient builds the client used for provider fetches. There is no
// overall timeout: bodies stream for the length of a movie. The header
// timeout bounds how long a hung provider can pin a request.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}
