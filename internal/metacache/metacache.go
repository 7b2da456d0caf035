// Package metacache holds recently fetched directory listings for one
// account. Listings are stored in flat maps keyed by davpath.Path.Key, so
// parent/child relationships are map lookups rather than pointers.
//
// The cache is an optimization only: entries may be stale, and the disk cache
// validator decides whether cached content is still current.
package metacache

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	listings map[string]*listing // directory key -> listing
	logger   *slog.Logger
}

type listing struct {
	self     webdav.Entry
	children map[string]webdav.Entry // child key -> entry
}

// New returns an empty cache.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		listings: make(map[string]*listing),
		logger:   logger,
	}
}

// Lookup returns the cached entry for p. A directory is only found through
// its own listing; a file is found through its parent's listing.
func (c *Cache) Lookup(p davpath.Path) (webdav.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if l, ok := c.listings[p.Key()]; ok {
		return l.self, true
	}

	if p.IsRoot() {
		return webdav.Entry{}, false
	}

	parent, ok := c.listings[p.Parent().Key()]
	if !ok {
		return webdav.Entry{}, false
	}

	child, ok := parent.children[p.Key()]
	if !ok || child.IsDir {
		return webdav.Entry{}, false
	}

	return child, true
}

// Store records l, replacing any earlier listing of the same directory.
func (c *Cache) Store(l *webdav.Listing) error {
	if !l.Self.IsDir {
		return fmt.Errorf("metacache: %s is not a directory", l.Self.Path)
	}

	children := make(map[string]webdav.Entry, len(l.Children))
	for _, e := range l.Children {
		children[e.Path.Key()] = e
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.listings[l.Self.Path.Key()] = &listing{self: l.Self, children: children}

	c.logger.Debug("listing cached",
		slog.String("path", l.Self.Path.String()),
		slog.Int("children", len(children)),
	)

	return nil
}

// Children returns the cached children of dir sorted by path.
func (c *Cache) Children(dir davpath.Path) ([]webdav.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.listings[dir.Key()]
	if !ok {
		return nil, false
	}

	out := make([]webdav.Entry, 0, len(l.children))
	for _, e := range l.children {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Path.String() < out[j].Path.String()
	})

	return out, true
}

// Put inserts or replaces a single child in its parent's listing. It is a
// no-op when the parent has not been listed.
func (c *Cache) Put(e webdav.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Path.IsRoot() {
		return
	}

	if parent, ok := c.listings[e.Path.Parent().Key()]; ok {
		parent.children[e.Path.Key()] = e
	}
}

// Invalidate drops the listing of p and removes p from its parent's listing.
func (c *Cache) Invalidate(p davpath.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.listings, p.Key())

	if p.IsRoot() {
		return
	}

	if parent, ok := c.listings[p.Parent().Key()]; ok {
		delete(parent.children, p.Key())
	}
}

// InvalidateTree drops every listing at or beneath p and removes p from its
// parent's listing.
func (c *Cache) InvalidateTree(p davpath.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := p.Key()
	prefix := strings.TrimSuffix(key, "/") + "/"

	dropped := 0

	for k := range c.listings {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(c.listings, k)
			dropped++
		}
	}

	if !p.IsRoot() {
		if parent, ok := c.listings[p.Parent().Key()]; ok {
			delete(parent.children, key)
		}
	}

	c.logger.Debug("listings invalidated",
		slog.String("path", p.String()),
		slog.Int("dropped", dropped),
	)
}

// Clear drops every listing.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listings = make(map[string]*listing)
}

// Len returns the number of cached listings.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.listings)
}
