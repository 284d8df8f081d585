// Package dedup maps content digests to the frame that first carried them.
package dedup

import (
	"sync"

	"github.com/rcliao/framestore/internal/hasher"
	"github.com/rcliao/framestore/internal/model"
)

// Index is a concurrency-safe digest -> FrameID map. Only the first frame
// registered for a digest is remembered.
type Index struct {
	mu     sync.RWMutex
	frames map[hasher.Digest]model.FrameID
}

// New returns an empty index.
func New() *Index {
	return &Index{frames: make(map[hasher.Digest]model.FrameID)}
}

// Lookup returns the frame registered for digest.
func (x *Index) Lookup(digest hasher.Digest) (model.FrameID, bool) {
	if digest.IsZero() {
		return 0, false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.frames[digest]
	return id, ok
}

// Register records id for digest. It reports whether the digest was new;
// an existing mapping is never replaced.
func (x *Index) Register(digest hasher.Digest, id model.FrameID) bool {
	if digest.IsZero() {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.frames[digest]; ok {
		return false
	}
	x.frames[digest] = id
	return true
}

// Len returns the number of distinct digests.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.frames)
}
