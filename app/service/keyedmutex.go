package service

import "sync"

// keyedMutex serializes writes per customer. Two writers for the same
// customer (purchase-time verify vs webhook apply) take turns; writers for
// different customers never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*customerLock
}

type customerLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[int64]*customerLock{}}
}

func (k *keyedMutex) Lock(customerID int64) func() {
	k.mu.Lock()
	lock, ok := k.locks[customerID]
	if !ok {
		lock = &customerLock{}
		k.locks[customerID] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, customerID)
		}
		k.mu.Unlock()
	}
}
