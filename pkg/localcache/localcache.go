// Package localcache keeps the last observed copy of each document on the client's disk so an
// editor can warm start before the network answers.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const documentBucket = "documents"

var ErrNotFound = errors.New("document not cached")

// Entry is one cached document.
type Entry struct {
	Document  json.RawMessage `json:"document"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Cache is a bbolt-backed document cache.
type Cache struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the cache file at path.
func Open(path string) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(documentBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Close closes the cache file.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put records document as the latest copy of id.
func (c *Cache) Put(id string, document json.RawMessage) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("document id is required")
	}
	payload, err := json.Marshal(Entry{Document: document, UpdatedAt: c.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(documentBucket)).Put([]byte(id), payload)
	})
}

// Entry returns the cached entry for id, or ErrNotFound.
func (c *Cache) Entry(id string) (Entry, error) {
	var entry Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(documentBucket)).Get([]byte(id))
		if payload == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get returns the cached document for id. ok is false when nothing was cached.
func (c *Cache) Get(id string) (json.RawMessage, bool, error) {
	entry, err := c.Entry(id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return entry.Document, true, nil
}

// List returns the cached document ids in key order.
func (c *Cache) List() ([]string, error) {
	ids := make([]string, 0)
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(documentBucket)).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}
	return ids, nil
}
