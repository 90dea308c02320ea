package node

import (
	"sync"

	"github.com/meshd-io/meshd/pkg/api"
)

// History is the bounded in-memory log of sent and received messages that
// backs the panel's conversation view.
type History struct {
	mu      sync.Mutex
	max     int
	entries []api.HistoryEntry
}

// NewHistory builds a History bounded to max entries.
func NewHistory(max int) *History {
	return &History{max: max}
}

// Add appends an entry, discarding the oldest past the bound.
func (h *History) Add(entry api.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = append([]api.HistoryEntry(nil), h.entries[len(h.entries)-h.max:]...)
	}
}

// List returns a copy of the log, oldest first.
func (h *History) List() []api.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]api.HistoryEntry(nil), h.entries...)
}
