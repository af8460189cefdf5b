package opt

import "sync"

var (
    mu    sync.Mutex
    store = map[string]Stats{}
)

// RecordStats keeps the most recent optimizer stats per batch.
func RecordStats(batchID string, st Stats) {
    mu.Lock()
    store[batchID] = st
    mu.Unlock()
}

func GetStats(batchID string) (Stats, bool) {
    mu.Lock()
    defer mu.Unlock()
    st, ok := store[batchID]
    return st, ok
}

// ForgetStats drops stats for a closed batch.
func ForgetStats(batchID string) {
    mu.Lock()
    delete(store, batchID)
    mu.Unlock()
}
