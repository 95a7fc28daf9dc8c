package crypto

// Provider is the narrow signing interface used by the packet codec.
// The wire format reserves a 64-byte signature slot; implementations fill
// it with Ed25519 or HMAC-SHA-256 + zero pad.
type Provider interface {
	// Sign produces the 64-byte signature of msg under the 32-byte
	// producer key.
	Sign(key []byte, msg []byte) ([64]byte, error)
	// Verify checks sig over msg for the feed identified by fid.
	Verify(fid []byte, msg []byte, sig [64]byte) bool
	// Generate returns a fresh (signing key, feed id) pair.
	Generate() (key [32]byte, fid [32]byte, err error)
}

// DefaultProvider returns the provider used when none is configured.
// Broadcast meshes need consumers to verify with the feed id alone, which
// only the asymmetric scheme offers.
func DefaultProvider() Provider {
	return Ed25519Provider{}
}
