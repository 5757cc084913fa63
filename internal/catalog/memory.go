// SPDX-License-Identifier: MIT

package catalog

import "context"

// MemoryResolver serves a fixed content set, used in tests and wherever a
// deployment injects content without a database.
type MemoryResolver struct {
	entries map[string]*Content
}

// NewMemoryResolver builds a resolver over the given content.
func NewMemoryResolver(contents ...*Content) *MemoryResolver {
	m := &MemoryResolver{entries: make(map[string]*Content, len(contents))}
	for _, c := range contents {
		m.entries[c.Kind+"/"+c.ID] = c
	}
	return m
}

// Resolve looks up content by kind and id.
func (m *MemoryResolver) Resolve(ctx context.Context, kind, id string) (*Content, error) {
	c, ok := m.entries[kind+"/"+id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}
