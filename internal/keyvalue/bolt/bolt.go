// Package bolt stores keyvalue buckets in a single bbolt file. Each bucket
// identifier maps to one top-level bbolt bucket, created on first write.
package bolt

import (
	"context"
	"fmt"

	"bucketd/internal/keyvalue"

	bolt "go.etcd.io/bbolt"
)

const backendName = "bolt"

// bucketPrefix keeps the empty identifier addressable: bbolt rejects
// empty bucket names.
const bucketPrefix = "kv:"

// Options configures a DB.
type Options struct {
	PageSize int
	// Compress stores values zstd-compressed when that makes them smaller.
	Compress bool
}

// DB is an open bbolt file shared by every Bucket handle it returns.
type DB struct {
	db   *bolt.DB
	opts Options
}

// Open creates or opens a bbolt database at the given path.
func Open(path string, opts Options) (*DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	opts.PageSize = keyvalue.PageSize(opts.PageSize)
	return &DB{db: db, opts: opts}, nil
}

// Bucket returns a handle for identifier. No storage is created until the
// first Set.
func (d *DB) Bucket(identifier string) *Bucket {
	return &Bucket{db: d, name: []byte(bucketPrefix + identifier)}
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Bucket implements keyvalue.Bucket for one identifier.
type Bucket struct {
	db   *DB
	name []byte
}

func (b *Bucket) Get(_ context.Context, key string) ([]byte, bool, error) {
	var stored []byte
	err := b.db.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		if bkt == nil {
			return nil
		}
		v := bkt.Get([]byte(key))
		if v != nil {
			stored = make([]byte, len(v))
			copy(stored, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, keyvalue.Otherf("reading %q: %v", key, err)
	}
	if stored == nil {
		return nil, false, nil
	}
	val, err := decodeValue(stored)
	if err != nil {
		return nil, false, keyvalue.Otherf("decoding %q: %v", key, err)
	}
	return val, true, nil
}

func (b *Bucket) Set(_ context.Context, key string, value []byte) error {
	stored := encodeValue(value, b.db.opts.Compress)
	err := b.db.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(b.name)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return bkt.Put([]byte(key), stored)
	})
	if err != nil {
		return keyvalue.Otherf("writing %q: %v", key, err)
	}
	return nil
}

func (b *Bucket) Delete(_ context.Context, key string) error {
	err := b.db.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return keyvalue.Otherf("deleting %q: %v", key, err)
	}
	return nil
}

func (b *Bucket) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := b.db.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		if bkt == nil {
			return nil
		}
		found = bkt.Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, keyvalue.Otherf("reading %q: %v", key, err)
	}
	return found, nil
}

// ListKeys walks the bbolt cursor in key order. Each page resumes at the
// first key strictly greater than the last one returned, so a page is
// consistent with itself but not with earlier pages.
func (b *Bucket) ListKeys(_ context.Context, cursor string) (keyvalue.KeyResponse, error) {
	c, err := keyvalue.DecodeCursor(backendName, cursor)
	if err != nil {
		return keyvalue.KeyResponse{}, err
	}

	var (
		keys []string
		more bool
	)
	err = b.db.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		if bkt == nil {
			return nil
		}
		cur := bkt.Cursor()
		var k []byte
		if cursor == "" {
			k, _ = cur.First()
		} else {
			k, _ = cur.Seek([]byte(c.After))
			if k != nil && string(k) == c.After {
				k, _ = cur.Next()
			}
		}
		for ; k != nil; k, _ = cur.Next() {
			if len(keys) == b.db.opts.PageSize {
				more = true
				return nil
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return keyvalue.KeyResponse{}, keyvalue.Otherf("listing keys: %v", err)
	}

	resp := keyvalue.KeyResponse{Keys: keys}
	if resp.Keys == nil {
		resp.Keys = []string{}
	}
	if more {
		resp.Cursor, err = keyvalue.EncodeCursor(keyvalue.Cursor{Backend: backendName, After: keys[len(keys)-1]})
		if err != nil {
			return keyvalue.KeyResponse{}, err
		}
	}
	return resp, nil
}
