package engine

import (
	"sync"
)

// runLocks provides per-run mutual exclusion. Uses a keyed mutex pattern:
// each run ID gets its own mutex, so independent runs proceed fully in
// parallel while transitions within one run are totally ordered.
type runLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-run mutexes
}

func newRunLocks() *runLocks {
	return &runLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// lock acquires the mutex for the given run, creating it on first access.
func (l *runLocks) lock(runID string) {
	l.mu.Lock()
	runLock, exists := l.locks[runID]
	if !exists {
		runLock = &sync.Mutex{}
		l.locks[runID] = runLock
	}
	l.mu.Unlock()

	// Acquire the per-run lock outside the manager lock to avoid contention.
	runLock.Lock()
}

// unlock releases the mutex for the given run.
func (l *runLocks) unlock(runID string) {
	l.mu.Lock()
	runLock, exists := l.locks[runID]
	l.mu.Unlock()

	if exists {
		runLock.Unlock()
	}
}
