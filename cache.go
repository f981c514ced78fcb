package tideline

import (
	"sort"
	"sync"
)

// ============================================================================
// Message Cache
// ============================================================================

// MessageCache holds the working set of one conversation. It remembers
// insertion order so that Snapshot can break createdAt ties
// deterministically.
//
// The cache tolerates concurrent use, but ordering guarantees across
// mutations only hold when callers serialize them (the sync engine does).
type MessageCache struct {
	mu    sync.RWMutex
	seq   []Message
	index map[MessageID]int
}

// NewMessageCache returns an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{index: make(map[MessageID]int)}
}

// Upsert inserts msg or overwrites the entry with the same id in place.
// A read entry never reverts to unread.
func (c *MessageCache) Upsert(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(msg)
}

func (c *MessageCache) upsertLocked(msg Message) {
	if i, ok := c.index[msg.ID]; ok {
		if c.seq[i].Read {
			msg.Read = true
		}
		c.seq[i] = msg
		return
	}
	c.index[msg.ID] = len(c.seq)
	c.seq = append(c.seq, msg)
}

// Replace swaps the entry under oldID for msg, keeping the old entry's
// position so createdAt ties stay stable across the confirm swap. When
// oldID is no longer present it falls back to Upsert. When msg.ID is
// already present (the realtime echo landed first) the old entry is
// dropped and the existing one overwritten.
func (c *MessageCache) Replace(oldID MessageID, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[oldID]
	if !ok {
		c.upsertLocked(msg)
		return
	}
	if j, dup := c.index[msg.ID]; dup && msg.ID != oldID {
		if c.seq[j].Read {
			msg.Read = true
		}
		c.seq[j] = msg
		c.removeLocked(oldID)
		return
	}
	if c.seq[i].Read {
		msg.Read = true
	}
	delete(c.index, oldID)
	c.index[msg.ID] = i
	c.seq[i] = msg
}

// MarkRead flips the given entries to read. Unknown ids are ignored.
func (c *MessageCache) MarkRead(ids ...MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if i, ok := c.index[id]; ok {
			c.seq[i].Read = true
		}
	}
}

// Remove drops the entry with the given id, if present.
func (c *MessageCache) Remove(id MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *MessageCache) removeLocked(id MessageID) {
	i, ok := c.index[id]
	if !ok {
		return
	}
	delete(c.index, id)
	c.seq = append(c.seq[:i], c.seq[i+1:]...)
	for k := i; k < len(c.seq); k++ {
		c.index[c.seq[k].ID] = k
	}
}

// Get returns the entry with the given id.
func (c *MessageCache) Get(id MessageID) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i, ok := c.index[id]; ok {
		return c.seq[i], true
	}
	return Message{}, false
}

// Contains reports whether the id is present.
func (c *MessageCache) Contains(id MessageID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[id]
	return ok
}

// Len returns the number of entries.
func (c *MessageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seq)
}

// Snapshot returns a copy of all entries sorted by createdAt ascending.
// Entries with equal timestamps keep their insertion order.
func (c *MessageCache) Snapshot() []Message {
	c.mu.RLock()
	out := make([]Message, len(c.seq))
	copy(out, c.seq)
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
