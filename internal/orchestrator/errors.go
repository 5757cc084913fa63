// SPDX-License-Identifier: MIT

package orchestrator

import "errors"

var (
	// ErrCapacityExceeded means the provider profile's connection cap is
	// reached fleet-wide. Maps to HTTP 429; the client should retry later.
	ErrCapacityExceeded = errors.New("orchestrator: provider connection limit exceeded")

	// ErrSessionVanished means the session record expired or was deleted
	// between steps of a request.
	ErrSessionVanished = errors.New("orchestrator: session record vanished")

	// ErrStopRequested means an operator set the client's stop key while
	// the stream was running.
	ErrStopRequested = errors.New("orchestrator: stream terminated by stop signal")
)
