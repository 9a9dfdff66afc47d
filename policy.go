package precache

import (
	"fmt"
	"strings"
)

// Policy selects how a resource is served.
type Policy int

const (
	// OfflineFirst serves from cache when present and only then goes to the network.
	// Successful network responses are stored. A body that fails verification is
	// an ErrHashMismatch error.
	OfflineFirst Policy = iota
	// OnlineFirst always asks the network first and falls back to the cache when
	// the network fails or its body fails verification. Network responses replace
	// the cached copy. Without a cached copy the network error is returned.
	OnlineFirst
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case OfflineFirst:
		return "offline-first"
	case OnlineFirst:
		return "online-first"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name as returned by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offline-first", "offline":
		return OfflineFirst, nil
	case "online-first", "online":
		return OnlineFirst, nil
	default:
		return OfflineFirst, fmt.Errorf("unknown policy %q", s)
	}
}

// PolicyFunc picks the serving policy for a manifest key.
type PolicyFunc func(key string) Policy

// DefaultPolicy serves the root document online-first so a new deployment is picked
// up as soon as the network allows, and everything else offline-first.
func DefaultPolicy(key string) Policy {
	if key == RootKey {
		return OnlineFirst
	}
	return OfflineFirst
}

// OnlineFirstFor returns a PolicyFunc that serves the listed keys online-first and
// everything else offline-first.
func OnlineFirstFor(keys ...string) PolicyFunc {
	online := make(map[string]bool, len(keys))
	for _, k := range keys {
		online[k] = true
	}
	return func(key string) Policy {
		if online[key] {
			return OnlineFirst
		}
		return OfflineFirst
	}
}
