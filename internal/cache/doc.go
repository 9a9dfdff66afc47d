// Package cache provides named, persistent response caches for the precache worker.
//
// The package mirrors the shape of a browser cache storage: a Caches value owns a set
// of named caches, and each Cache maps a request key (an asset path) to a stored
// response Entry. All data lives on a core.FS, so the same code runs against the local
// disk in production and an in-memory filesystem in tests.
//
// # Storage Layout
//
//	<root>/
//	  .temp/                  scratch files for atomic writes
//	  <cache-name>/<sha256>   one file per entry, named by the hash of its key
//
// Every file is written through Storage, which writes to a scratch file and renames it
// into place, and prefixes the payload with a SHA256 checksum that is verified on read.
// A file that fails verification is reported as ErrCacheCorrupted.
//
// # Error Handling
//
// The package defines sentinel errors for the conditions callers branch on:
//   - ErrNotFound: the key (or cache) does not exist
//   - ErrCacheCorrupted: stored data failed its integrity check
//   - ErrEntryTooLarge: the entry exceeds Config.MaxEntryBytes
//
// All errors are wrapped with context using fmt.Errorf and %w.
//
// # Thread Safety
//
// Storage, Caches and Cache are safe for concurrent use by multiple goroutines.
// Storage serializes access per file and guards directory mutations with a global lock.
package cache
