// Package cache keeps the last snapshot seen of every opened note on disk,
// so a note can still be shown while the authority is unreachable.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/notesync/document"
)

var snapshots = []byte("snapshots")

// ErrNotCached is returned by Load for notes never saved.
var ErrNotCached = errors.New("note not cached")

// Cache is a bbolt file of JSON encoded documents keyed by id.
type Cache struct {
	db *bolt.DB
}

func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Save stores doc, replacing any older snapshot of it. Snapshots without an
// id are ignored.
func (c *Cache) Save(doc document.Document) error {
	if doc.ID == "" {
		return nil
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.ID, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshots).Put([]byte(doc.ID), buf)
	})
}

func (c *Cache) Load(id string) (document.Document, error) {
	var doc document.Document
	err := c.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(snapshots).Get([]byte(id))
		if buf == nil {
			return ErrNotCached
		}
		return json.Unmarshal(buf, &doc)
	})
	if err != nil {
		return document.Document{}, fmt.Errorf("load %s: %w", id, err)
	}
	return doc, nil
}

// IDs lists the cached notes in key order.
func (c *Cache) IDs() ([]string, error) {
	var ids []string
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshots).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (c *Cache) Delete(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshots).Delete([]byte(id))
	})
}
