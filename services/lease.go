package services

import (
	"fmt"
	"sync"
)

// Lease grants exclusive use of the camera and the backend connection to
// one loop at a time.
type Lease struct {
	mu    sync.Mutex
	owner string
}

func NewLease() *Lease {
	return &Lease{}
}

// Acquire takes the lease for owner. Re-acquiring by the current owner is a no-op.
func (l *Lease) Acquire(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" && l.owner != owner {
		return fmt.Errorf("%w: held by %s", ErrResourceBusy, l.owner)
	}
	l.owner = owner
	return nil
}

// Release frees the lease if owner holds it.
func (l *Lease) Release(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
}

func (l *Lease) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
