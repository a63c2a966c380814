package pipeline

import (
	"sync"
	"time"
)

// partitionLocks serializes partition writers per (table, date) within the
// process. Two runs against the same date contend; a backfill fanning out
// over distinct dates does not.
var partitionLocks = newLockRegistry()

type lockKey struct {
	table string
	date  string
}

type lockRegistry struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[lockKey]*sync.Mutex)}
}

func (r *lockRegistry) mutex(table string, day time.Time) *sync.Mutex {
	key := lockKey{table: table, date: day.UTC().Format("2006-01-02")}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	return m
}

// lock acquires the advisory lock for one partition and returns its release.
func (r *lockRegistry) lock(table string, day time.Time) func() {
	m := r.mutex(table, day)
	m.Lock()
	return m.Unlock
}

// lockRange acquires every date of [from, to] in ascending order. Windows
// that overlap always contend in the same order, so they cannot deadlock.
func (r *lockRegistry) lockRange(table string, from, to time.Time) func() {
	var unlocks []func()
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		unlocks = append(unlocks, r.lock(table, d))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
