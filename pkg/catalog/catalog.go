// Package catalog provides read access to the media library the
// transcoder works against. The library itself is maintained by the
// upstream sync; this side only looks items up.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrItemNotFound is returned when a media item id does not exist.
var ErrItemNotFound = errors.New("media item not found")

// Item is one entry in the media library.
type Item struct {
	ID              int64   `json:"id"`
	Path            string  `json:"path"`
	SizeBytes       int64   `json:"size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	VideoCodec      string  `json:"video_codec,omitempty"`
}

// Catalog is the read-only view jobs are validated against.
type Catalog interface {
	Lookup(itemID int64) (*Item, error)
	Close() error
}

// SQLiteCatalog reads the media_items table maintained by the library
// sync.
type SQLiteCatalog struct {
	db *sql.DB
}

// OpenSQLite opens the catalog database read-only.
func OpenSQLite(dbPath string) (*SQLiteCatalog, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=10000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach catalog database: %w", err)
	}
	return &SQLiteCatalog{db: db}, nil
}

func (c *SQLiteCatalog) Lookup(itemID int64) (*Item, error) {
	var item Item
	err := c.db.QueryRow(`
		SELECT id, path, size_bytes, duration_seconds, COALESCE(video_codec, '')
		FROM media_items WHERE id = ?
	`, itemID).Scan(&item.ID, &item.Path, &item.SizeBytes, &item.DurationSeconds, &item.VideoCodec)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// MemoryCatalog is an in-memory catalog for tests and standalone runs.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[int64]*Item
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{items: make(map[int64]*Item)}
}

// Add registers an item, assigning an id when missing.
func (c *MemoryCatalog) Add(item *Item) *Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item.ID == 0 {
		item.ID = int64(len(c.items) + 1)
	}
	c.items[item.ID] = item
	return item
}

func (c *MemoryCatalog) Lookup(itemID int64) (*Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	copy := *item
	return &copy, nil
}

func (c *MemoryCatalog) Close() error { return nil }
