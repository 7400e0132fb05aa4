package store

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

// Persister is the durable backing of a MemoryStore. Save and Remove are
// called with the store lock held, in resourceVersion order.
type Persister interface {
	// Load calls fn for every stored object and returns the last
	// resourceVersion that was persisted.
	Load(fn func(gvk schema.GroupVersionKind, data []byte) error) (uint64, error)
	Save(gvk schema.GroupVersionKind, key types.NamespacedName, data []byte, resourceVersion uint64) error
	Remove(gvk schema.GroupVersionKind, key types.NamespacedName, resourceVersion uint64) error
	Close() error
}

// Bucket names for object storage.
var (
	bucketMeta = []byte("_meta")
	keyRV      = []byte("resourceVersion")
)

// BoltPersister stores objects in a bbolt database, one bucket per kind.
type BoltPersister struct {
	db *bolt.DB
}

var _ Persister = &BoltPersister{}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltPersister, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMeta, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltPersister{db: db}, nil
}

// Load implements Persister.
func (p *BoltPersister) Load(fn func(gvk schema.GroupVersionKind, data []byte) error) (uint64, error) {
	var rv uint64
	err := p.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyRV); len(v) == 8 {
			rv = binary.BigEndian.Uint64(v)
		}
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if string(name) == string(bucketMeta) {
				return nil
			}
			gvk, ok := parseBucketName(string(name))
			if !ok {
				return fmt.Errorf("unexpected bucket %q", name)
			}
			return b.ForEach(func(_, v []byte) error {
				// bbolt values are only valid for the life of the transaction.
				data := make([]byte, len(v))
				copy(data, v)
				return fn(gvk, data)
			})
		})
	})
	return rv, err
}

// Save implements Persister.
func (p *BoltPersister) Save(gvk schema.GroupVersionKind, key types.NamespacedName, data []byte, resourceVersion uint64) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(gvk))
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key.String()), data); err != nil {
			return err
		}
		return putRV(tx, resourceVersion)
	})
}

// Remove implements Persister.
func (p *BoltPersister) Remove(gvk schema.GroupVersionKind, key types.NamespacedName, resourceVersion uint64) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketName(gvk)); b != nil {
			if err := b.Delete([]byte(key.String())); err != nil {
				return err
			}
		}
		return putRV(tx, resourceVersion)
	})
}

// Close implements Persister.
func (p *BoltPersister) Close() error {
	return p.db.Close()
}

func putRV(tx *bolt.Tx, rv uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rv)
	return tx.Bucket(bucketMeta).Put(keyRV, buf)
}

func bucketName(gvk schema.GroupVersionKind) []byte {
	return []byte(gvk.Group + "/" + gvk.Version + "/" + gvk.Kind)
}

func parseBucketName(name string) (schema.GroupVersionKind, bool) {
	parts := strings.SplitN(name, "/", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return schema.GroupVersionKind{}, false
	}
	return schema.GroupVersionKind{Group: parts[0], Version: parts[1], Kind: parts[2]}, true
}
