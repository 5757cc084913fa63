// SPDX-License-Identifier: MIT

// Package catalog resolves content identities against the web application's
// database. The CRUD layer owning that data stays external; this package
// only reads the values the connection manager needs.
package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a content id does not exist in the catalog.
var ErrNotFound = errors.New("catalog: content not found")

// Profile is a provider account with an advertised connection cap.
// MaxConnections of 0 means unlimited.
type Profile struct {
	ID             string
	MaxConnections int
	// UserAgent is the account-level agent. Providers often gate on a
	// specific UA, so it takes precedence over the client's own.
	UserAgent string
}

// Content is one resolvable movie or episode.
type Content struct {
	Kind        string // session.KindMovie or session.KindEpisode
	ID          string
	DisplayName string
	StreamURL   string
	Profile     Profile
}

// Resolver looks up playable content. Implementations do not validate
// beyond existence; the values are opaque inputs from the CRUD layer.
type Resolver interface {
	Resolve(ctx context.Context, kind, id string) (*Content, error)
}
