package precache

import (
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/opencontainers/go-digest"
)

// Verifier checks a fetched body against the hash recorded in the manifest.
type Verifier interface {
	// Verify returns ErrHashMismatch (or an error wrapping it) when body does not
	// match hash.
	Verify(key, hash string, body []byte) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(key, hash string, body []byte) error

// Verify calls f.
func (f VerifierFunc) Verify(key, hash string, body []byte) error {
	return f(key, hash, body)
}

// DigestVerifier verifies bodies against manifest hashes written as OCI digests
// ("sha256:<hex>"). Hashes that do not parse as a digest, such as the bare MD5 sums
// emitted by most build tools, are opaque version tags and are not checked.
type DigestVerifier struct{}

// Verify implements Verifier.
func (DigestVerifier) Verify(key, hash string, body []byte) error {
	d, err := digest.Parse(hash)
	if err != nil {
		return nil
	}
	if !d.Algorithm().Available() {
		return nil
	}

	v := d.Verifier()
	if _, err := v.Write(body); err != nil {
		return withKey(newErrorf(ErrHashMismatch, err, "failed to hash %s", key), key)
	}
	if !v.Verified() {
		actual := d.Algorithm().FromBytes(body)
		return withKey(newErrorf(ErrHashMismatch, nil, "%s: expected %s, got %s", key, d, actual), key)
	}
	return nil
}
