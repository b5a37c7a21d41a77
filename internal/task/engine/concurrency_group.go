package engine

import (
	"strings"
	"sync"
	"time"
)

// groupRetryDelay is how long a worker holds a task whose group is full
// before putting it back on the queue.
const groupRetryDelay = 25 * time.Millisecond

// groupSemaphore is a channel semaphore pre-filled with limit tokens.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// groupKey is the concurrency key, falling back to the task name.
func groupKey(concurrencyKey, name string) string {
	k := strings.TrimSpace(concurrencyKey)
	if k == "" {
		k = strings.TrimSpace(name)
	}
	return k
}

type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

// get returns the semaphore for key, or nil when limit disables grouping.
// A changed limit starts a fresh semaphore; runs holding the old one
// release into it and it is dropped.
func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if limit <= 0 {
		return nil
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil || gs.limit != limit {
		gs = newGroupSemaphore(limit)
		s.groups[k] = gs
	}
	return gs
}

// acquireGroup takes a slot in the task's concurrency group. It returns the
// release func, or false when the group is at capacity.
func (s *Service) acquireGroup(qt queuedTask) (func(), bool) {
	gs := s.groups.get(groupKey(qt.opt.ConcurrencyKey, qt.task.Name), qt.opt.ConcurrencyLimit)
	if gs == nil {
		return func() {}, true
	}
	if !gs.tryAcquire() {
		return nil, false
	}
	return gs.release, true
}
