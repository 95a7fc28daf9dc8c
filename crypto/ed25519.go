package crypto

import (
	ed "crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519Provider signs with Ed25519 over 32-byte seeds. The feed id is the
// public key, so any consumer can verify without shared state.
type Ed25519Provider struct{}

func (Ed25519Provider) Sign(key []byte, msg []byte) ([64]byte, error) {
	var sig [64]byte
	if len(key) != ed.SeedSize {
		return sig, fmt.Errorf("signing key must be %d bytes (got %d)", ed.SeedSize, len(key))
	}
	copy(sig[:], ed.Sign(ed.NewKeyFromSeed(key), msg))
	return sig, nil
}

func (Ed25519Provider) Verify(fid []byte, msg []byte, sig [64]byte) bool {
	if len(fid) != ed.PublicKeySize {
		return false
	}
	return ed.Verify(ed.PublicKey(fid), msg, sig[:])
}

func (Ed25519Provider) Generate() ([32]byte, [32]byte, error) {
	var key, fid [32]byte
	pub, priv, err := ed.GenerateKey(rand.Reader)
	if err != nil {
		return key, fid, err
	}
	copy(key[:], priv.Seed())
	copy(fid[:], pub)
	return key, fid, nil
}
