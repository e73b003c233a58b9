// Package lock serializes operations on a single upload session. Chunk
// writes for a session may arrive concurrently from client retries and
// parallelism; the store update for a chunk must run under the session's
// mutex.
package lock

import (
	"sync"

	"github.com/apex/log"
)

type IdLocker struct {
	mapMutex sync.Mutex
	idMap    map[string]*sync.Mutex
}

func NewIdLocker() *IdLocker {
	return &IdLocker{
		idMap: make(map[string]*sync.Mutex),
	}
}

func (l *IdLocker) AcquireLock(id string) {
	l.mapMutex.Lock()
	idMutex, ok := l.idMap[id]
	if !ok {
		idMutex = &sync.Mutex{}
		l.idMap[id] = idMutex
	}
	l.mapMutex.Unlock()
	idMutex.Lock()
}

func (l *IdLocker) ReleaseLock(id string) {
	l.mapMutex.Lock()
	m, ok := l.idMap[id]
	l.mapMutex.Unlock()
	if !ok {
		log.Errorf("ReleaseLock called on id (%s) with no mutex", id)

		return
	}

	m.Unlock()
}

// Forget drops the mutex for an id once the session is destroyed.
func (l *IdLocker) Forget(id string) {
	l.mapMutex.Lock()
	defer l.mapMutex.Unlock()
	delete(l.idMap, id)
}

func (l *IdLocker) WithLock(id string, f func() error) error {
	l.AcquireLock(id)
	defer l.ReleaseLock(id)
	return f()
}
