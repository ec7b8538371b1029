package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
)

// Global counter registry. Keys are counter names, values are *int64.
// The engine increments: txn_begin, txn_commit, txn_rollback,
// deadlock_abort, lock_wait, lock_timeout, cursor_open,
// cursor_invalidated, wal_append.
var registry sync.Map

// Inc increments a counter by 1.
func Inc(name string) {
	Add(name, 1)
}

// Add adds delta to a counter.
func Add(name string, delta int64) {
	val, ok := registry.Load(name)
	if !ok {
		newVal := new(int64)
		val, _ = registry.LoadOrStore(name, newVal)
	}
	atomic.AddInt64(val.(*int64), delta)
}

// Get returns the current value of a counter.
func Get(name string) int64 {
	val, ok := registry.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(val.(*int64))
}

// Snapshot returns a point-in-time copy of every counter.
func Snapshot() map[string]int64 {
	out := make(map[string]int64)
	registry.Range(func(key, value any) bool {
		out[key.(string)] = atomic.LoadInt64(value.(*int64))
		return true
	})
	return out
}

// Handler is an HTTP handler that exposes all counters as JSON.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Snapshot())
}
