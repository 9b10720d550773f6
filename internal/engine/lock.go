package engine

import (
	"strings"
	"sync"
)

type convLock struct {
	mu   sync.Mutex
	refs int
}

// lockConversation serializes turns for one conversation. A second turn for
// the same conversation queues behind the in-flight one; turns for other
// conversations proceed independently. The returned func releases the lock.
func (e *Engine) lockConversation(conversationID string) func() {
	if strings.TrimSpace(conversationID) == "" {
		return func() {}
	}

	e.locksMu.Lock()
	lock := e.locks[conversationID]
	if lock == nil {
		lock = &convLock{}
		e.locks[conversationID] = lock
	}
	lock.refs++
	e.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(e.locks, conversationID)
		}
		e.locksMu.Unlock()
	}
}
