package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// HMACProvider fills the signature slot with HMAC-SHA-256 followed by a
// 32-byte zero pad. It is symmetric: the feed id doubles as the MAC key, so
// it only suits closed deployments where producing and verifying nodes are
// equally trusted (e.g. a LoRa mesh flashed from one image).
type HMACProvider struct{}

func (HMACProvider) Sign(key []byte, msg []byte) ([64]byte, error) {
	var sig [64]byte
	if len(key) != 32 {
		return sig, fmt.Errorf("mac key must be 32 bytes (got %d)", len(key))
	}
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	copy(sig[:32], m.Sum(nil))
	return sig, nil
}

func (HMACProvider) Verify(fid []byte, msg []byte, sig [64]byte) bool {
	want, err := HMACProvider{}.Sign(fid, msg)
	if err != nil {
		return false
	}
	return hmac.Equal(want[:], sig[:])
}

// Generate returns a random 32-byte value used as both key and feed id.
func (HMACProvider) Generate() ([32]byte, [32]byte, error) {
	var key, fid [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fid, err
	}
	fid = key
	return key, fid, nil
}
