package collab

import "sync"

// Lease identifies one canvas holding image locks. A reconnecting browser may
// reuse its client id, so ownership is tracked per canvas, not per client.
type Lease struct {
	ClientID string
	ID       uint64
}

// ImageLocks grants one canvas at a time exclusive ownership of an image.
type ImageLocks struct {
	mu     sync.Mutex
	owners map[int64]Lease // imageID -> holder
}

func NewImageLocks() *ImageLocks {
	return &ImageLocks{
		owners: make(map[int64]Lease),
	}
}

// Acquire claims imageID for lease. It succeeds if the image is free or
// already held by the same lease.
func (l *ImageLocks) Acquire(imageID int64, lease Lease) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[imageID]
	if ok && owner != lease {
		return false
	}
	l.owners[imageID] = lease
	return true
}

// Release frees imageID if lease holds it.
func (l *ImageLocks) Release(imageID int64, lease Lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[imageID] == lease {
		delete(l.owners, imageID)
	}
}

// ReleaseAll frees every image held by lease.
func (l *ImageLocks) ReleaseAll(lease Lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, owner := range l.owners {
		if owner == lease {
			delete(l.owners, id)
		}
	}
}

// Owner returns the client id holding imageID.
func (l *ImageLocks) Owner(imageID int64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[imageID]
	return owner.ClientID, ok
}
