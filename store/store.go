// Package store caches materialised file versions in a bbolt database. The
// version manager records every version it applies and, when the target
// version of an apply is already recorded, uses that content instead of
// jumping along the dependency graph; other versions are not used as a
// starting point.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store is the snapshot database: one bucket per tracked file, keyed by
// big-endian version number.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the snapshot database under dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: dir required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "_store"), 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "_store", "versions.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put records the content of fileName at version.
func (s *Store) Put(fileName string, version uint32, content []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: nil store")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(fileName))
		if err != nil {
			return fmt.Errorf("store: create bucket %q: %w", fileName, err)
		}
		return b.Put(versionKey(version), content)
	})
}

// Get returns the snapshot of fileName at version, if recorded.
func (s *Store) Get(fileName string, version uint32) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("store: nil store")
	}
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(fileName))
		if b == nil {
			return nil
		}
		if v := b.Get(versionKey(version)); v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return out, found, err
}

// Versions lists the recorded version numbers of fileName in ascending
// order.
func (s *Store) Versions(fileName string) ([]uint32, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store: nil store")
	}
	var out []uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(fileName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if len(k) == 4 {
				out = append(out, uint32(k[0])<<24|uint32(k[1])<<16|uint32(k[2])<<8|uint32(k[3]))
			}
			return nil
		})
	})
	return out, err
}

func versionKey(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
