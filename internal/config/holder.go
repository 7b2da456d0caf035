package config

import (
	"sort"
	"sync/atomic"
)

// Holder is the live config of a long-running process. Readers take a
// snapshot per request; a reload swaps the whole snapshot, so a request never
// sees half of an old config and half of a new one.
type Holder struct {
	cfg  atomic.Pointer[Config]
	path string
}

// NewHolder returns a Holder serving cfg, loaded from path.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cfg.Store(cfg)

	return h
}

// Config returns the current snapshot.
func (h *Holder) Config() *Config {
	return h.cfg.Load()
}

// Path returns the file the config is reloaded from.
func (h *Holder) Path() string {
	return h.path
}

// Account resolves id against the current snapshot.
func (h *Holder) Account(id string) (Account, error) {
	return h.Config().Account(id)
}

// Update installs cfg and returns the snapshot it replaced.
func (h *Holder) Update(cfg *Config) *Config {
	return h.cfg.Swap(cfg)
}

// accountChanges reports the account IDs present only in next (added) and
// only in prev (removed). A nil prev counts as empty.
func accountChanges(prev, next *Config) (added, removed []string) {
	var before map[string]AccountSection
	if prev != nil {
		before = prev.Accounts
	}

	for id := range next.Accounts {
		if _, ok := before[id]; !ok {
			added = append(added, id)
		}
	}

	for id := range before {
		if _, ok := next.Accounts[id]; !ok {
			removed = append(removed, id)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)

	return added, removed
}
