package deltawire

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the callbacks on read so that dispatch never runs under
// the lock. Callbacks are keyed by an add-ordered id, so `get` preserves
// registration order.
type callbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *callbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.callbacks, callbackId)
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackIds := maps.Keys(self.callbacks)
	slices.Sort(callbackIds)
	callbacks := make([]T, 0, len(callbackIds))
	for _, callbackId := range callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// counts the timeout from creation, so that work done between creation and
// `After` shortens the wait
type reconnect struct {
	timeout time.Duration
	start   time.Time
}

func newReconnect(timeout time.Duration) *reconnect {
	return &reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	return time.After(remaining)
}
