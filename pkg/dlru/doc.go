// Package dlru implements a bounded, crash-tolerant, on-disk LRU cache.
//
// Each entry is identified by a string key and holds a fixed number of
// independent byte-stream values. The cache maintains a total byte
// budget; when it's exceeded, entries are evicted in least-recently-used
// order until the budget holds again. State survives process restarts
// via an append-only journal plus per-value files on disk.
//
// Multi-process concurrent access to the same directory is not
// supported: exactly one [Cache] may have a directory open at a time.
package dlru
