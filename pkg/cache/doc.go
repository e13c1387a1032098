// Package cache implements a bounded, crash-tolerant, on-disk LRU cache.
//
// Each entry is identified by a string key and holds a fixed number of
// independent byte-stream values. State survives process restarts via an
// append-only journal plus per-value files on disk; [Open] replays that
// journal to reconstruct the in-memory index before returning.
//
// The cache directory is an exclusive resource: opening the same directory
// from two processes (or two [Cache] instances) concurrently is undefined
// behavior.
package cache
