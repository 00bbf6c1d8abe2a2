package transmission

import (
	"sync"
	"sync/atomic"
)

// leases grants at most one holder per transmission id.
type leases struct {
	held sync.Map // id -> *uint64 token
	seq  atomic.Uint64
}

// acquire returns a release func, or ok=false when id is already held.
func (l *leases) acquire(id string) (release func(), ok bool) {
	token := new(uint64)
	*token = l.seq.Add(1)
	if _, loaded := l.held.LoadOrStore(id, token); loaded {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.held.CompareAndDelete(id, token) })
	}, true
}

func (l *leases) isHeld(id string) bool {
	_, ok := l.held.Load(id)
	return ok
}
