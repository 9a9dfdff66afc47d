package precache

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jmgilman/go/fs/core"
)

// RootKey is the manifest key under which the application root document is served.
const RootKey = "/"

// Manifest maps resource paths to content hashes.
//
// Paths are relative to the worker scope ("main.js", "assets/logo.png"); RootKey
// stands for the scope root itself. A hash changes exactly when the resource
// content changes.
type Manifest map[string]string

// ParseManifest decodes a JSON manifest and validates it.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, newError(ErrInvalidManifest, err, "failed to decode manifest")
	}
	if m == nil {
		return nil, newError(ErrInvalidManifest, nil, "manifest must be a JSON object")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(fs core.FS, path string) (Manifest, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, newErrorf(ErrInvalidManifest, err, "failed to read manifest %s", path)
	}
	return ParseManifest(data)
}

// Validate reports an error for empty paths or empty hashes.
func (m Manifest) Validate() error {
	for _, key := range m.Keys() {
		if key == "" {
			return newError(ErrInvalidManifest, nil, "manifest contains an empty path")
		}
		if m[key] == "" {
			return withKey(newErrorf(ErrInvalidManifest, nil, "manifest entry %q has an empty hash", key), key)
		}
	}
	return nil
}

// Marshal encodes the manifest as JSON with keys in sorted order.
func (m Manifest) Marshal() ([]byte, error) {
	data, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

// Keys returns the manifest paths in sorted order.
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether path is listed in the manifest.
func (m Manifest) Has(path string) bool {
	_, ok := m[path]
	return ok
}

// Clone returns a copy of the manifest.
func (m Manifest) Clone() Manifest {
	if m == nil {
		return nil
	}
	c := make(Manifest, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
