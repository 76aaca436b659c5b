// Package imagecache provides the shared primitives for the image cache:
// cache keys and the BLAKE3 hashing helpers used to derive on-disk names.
package imagecache

// Key identifies a cached resource. In practice it is the source URL the
// bytes were fetched from, but the cache treats it as an opaque string.
type Key string

// String returns the key as a plain string.
func (k Key) String() string {
	return string(k)
}

// Hash returns the BLAKE3 digest of the key, used to build
// collision-resistant file names inside the cache directory.
func (k Key) Hash() Hash {
	return HashBytes([]byte(k))
}
