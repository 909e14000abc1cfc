package feed

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduplicator remembers notification ids that already raised a native alert,
// so a reconnect replay or a poll merge does not raise it twice
type Deduplicator struct {
	cache *lru.Cache[int64, struct{}]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[int64, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate reports whether id was seen before and records it otherwise
func (d *Deduplicator) IsDuplicate(id int64) bool {
	seen, _ := d.cache.ContainsOrAdd(id, struct{}{})
	return seen
}

// Clear forgets every id
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}
