package cache

import "errors"

// ErrNotFound is returned when a cache or cache entry does not exist.
var ErrNotFound = errors.New("cache entry not found")

// ErrCacheCorrupted is returned when a cache entry is found to be corrupted.
var ErrCacheCorrupted = errors.New("cache entry is corrupted")

// ErrEntryTooLarge is returned when an entry exceeds the configured size limit.
var ErrEntryTooLarge = errors.New("cache entry exceeds size limit")

// ErrInvalidName is returned for cache names that cannot be used as a directory.
var ErrInvalidName = errors.New("invalid cache name")
