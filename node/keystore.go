package node

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tinyssb.dev/node/crypto"
)

const keyStoreFileName = "fm_config.json"

// KeyStore maps feed ids to the 32-byte signing keys this node produces
// with. Persisted as a hex/hex JSON object. Read-mostly: writes happen only
// during feed creation on the producer.
type KeyStore struct {
	path string

	mu   sync.Mutex
	keys map[[32]byte][32]byte
}

// LoadKeyStore reads fm_config.json under dir, or starts empty if absent.
func LoadKeyStore(dir string) (*KeyStore, error) {
	ks := &KeyStore{
		path: filepath.Join(dir, keyStoreFileName),
		keys: make(map[[32]byte][32]byte),
	}
	raw, err := os.ReadFile(ks.path)
	if errors.Is(err, os.ErrNotExist) {
		return ks, nil
	}
	if err != nil {
		return nil, err
	}
	var disk map[string]string
	if err := json.Unmarshal(raw, &disk); err != nil {
		return nil, fmt.Errorf("decode %s: %w", keyStoreFileName, err)
	}
	for fidHex, keyHex := range disk {
		fid, err := parseHex32("fid", fidHex)
		if err != nil {
			return nil, err
		}
		key, err := parseHex32("skey", keyHex)
		if err != nil {
			return nil, err
		}
		ks.keys[fid] = key
	}
	return ks, nil
}

func (ks *KeyStore) save() error {
	disk := make(map[string]string, len(ks.keys))
	for fid, key := range ks.keys {
		disk[hex.EncodeToString(fid[:])] = hex.EncodeToString(key[:])
	}
	raw, err := json.Marshal(disk)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return writeFileAtomic(ks.path, raw, 0o600)
}

// Get returns the signing key for fid, if this node holds it.
func (ks *KeyStore) Get(fid [32]byte) ([32]byte, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	key, ok := ks.keys[fid]
	return key, ok
}

// Has reports whether this node is the producer of fid.
func (ks *KeyStore) Has(fid [32]byte) bool {
	_, ok := ks.Get(fid)
	return ok
}

// Put stores and persists a key.
func (ks *KeyStore) Put(fid [32]byte, key [32]byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[fid] = key
	return ks.save()
}

// Generate creates a fresh key pair via the provider and persists it.
func (ks *KeyStore) Generate(prov crypto.Provider) (key [32]byte, fid [32]byte, err error) {
	key, fid, err = prov.Generate()
	if err != nil {
		return key, fid, err
	}
	return key, fid, ks.Put(fid, key)
}

func parseHex32(what, s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("%s: %w", what, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("%s must decode to 32 bytes (got %d)", what, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func writeFileAtomic(path string, content []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
