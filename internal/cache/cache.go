// Package cache implements named response caches on LevelDB.
//
// Layout:
//
//	n:<name>          -> creation time (unix nanos, decimal)
//	e:<name>\x00<key> -> gob-encoded Entry
//
// Cache names are versioned by the caller (for example "soil-snap-static-v3")
// and are superseded wholesale by deleting the old name.
package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrInvalidName is returned for empty cache names or names containing NUL.
var ErrInvalidName = errors.New("invalid cache name")

const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	sep         = "\x00"
)

// Entry is a stored HTTP response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// OK reports whether the response status is 2xx.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// ContentType returns the Content-Type header, or "".
func (e Entry) ContentType() string {
	if e.Header == nil {
		return ""
	}
	return e.Header.Get("Content-Type")
}

// Item pairs a key with an entry for batch writes.
type Item struct {
	Key   string
	Entry Entry
}

// Stats summarizes one named cache.
type Stats struct {
	Name    string    `json:"name"`
	Entries int       `json:"entries"`
	Bytes   int64     `json:"bytes"`
	Created time.Time `json:"created"`
}

// Storage holds every named cache in one LevelDB database.
type Storage struct {
	db *leveldb.DB
	mu sync.Mutex // serializes cache creation and deletion
}

// Open opens (creating if needed) a LevelDB-backed storage at path.
func Open(path string) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}
	return &Storage{db: db}, nil
}

// OpenMemory returns a storage that lives only in memory.
func OpenMemory() (*Storage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory cache storage: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, sep)
}

// Cache opens the named cache, creating it on first use.
func (s *Storage) Cache(name string) (*Cache, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(namePrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return nil, fmt.Errorf("check cache %q: %w", name, err)
	}
	if !ok {
		created := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := s.db.Put(key, []byte(created), nil); err != nil {
			return nil, fmt.Errorf("create cache %q: %w", name, err)
		}
	}
	return &Cache{name: name, db: s.db}, nil
}

// Has reports whether a cache with this name exists.
func (s *Storage) Has(name string) bool {
	if !validName(name) {
		return false
	}
	ok, err := s.db.Has([]byte(namePrefix+name), nil)
	return err == nil && ok
}

type nameInfo struct {
	name    string
	created int64
}

func (s *Storage) names() ([]nameInfo, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	var out []nameInfo
	for it.Next() {
		created, _ := strconv.ParseInt(string(it.Value()), 10, 64)
		out = append(out, nameInfo{
			name:    string(bytes.TrimPrefix(it.Key(), []byte(namePrefix))),
			created: created,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].created != out[j].created {
			return out[i].created < out[j].created
		}
		return out[i].name < out[j].name
	})
	return out, nil
}

// Names lists cache names in creation order.
func (s *Storage) Names() ([]string, error) {
	infos, err := s.names()
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	out := make([]string, len(infos))
	for i, n := range infos {
		out[i] = n.name
	}
	return out, nil
}

// Delete removes a cache and all of its entries. It reports whether the
// cache existed.
func (s *Storage) Delete(name string) (bool, error) {
	if !validName(name) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := s.db.Has([]byte(namePrefix+name), nil); err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(namePrefix + name))

	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+sep)), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("scan cache %q: %w", name, err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	return true, nil
}

// Match looks key up in every cache, oldest cache first, and returns the
// first hit.
func (s *Storage) Match(key string) (Entry, bool) {
	infos, err := s.names()
	if err != nil {
		return Entry{}, false
	}
	for _, n := range infos {
		c := &Cache{name: n.name, db: s.db}
		if ent, ok := c.Match(key); ok {
			return ent, true
		}
	}
	return Entry{}, false
}

// Stats returns per-cache entry counts and encoded sizes.
func (s *Storage) Stats() ([]Stats, error) {
	infos, err := s.names()
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	out := make([]Stats, 0, len(infos))
	for _, n := range infos {
		st := Stats{Name: n.name, Created: time.Unix(0, n.created).UTC()}
		it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+n.name+sep)), nil)
		for it.Next() {
			st.Entries++
			st.Bytes += int64(len(it.Value()))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return nil, fmt.Errorf("scan cache %q: %w", n.name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Cache is one named response cache.
type Cache struct {
	name string
	db   *leveldb.DB
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

func (c *Cache) entryKey(key string) []byte {
	return []byte(entryPrefix + c.name + sep + key)
}

// Match returns the entry stored under key. Undecodable entries are misses.
func (c *Cache) Match(key string) (Entry, bool) {
	b, err := c.db.Get(c.entryKey(key), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false
	}
	return ent, true
}

// Put stores ent under key, replacing any previous entry.
func (c *Cache) Put(key string, ent Entry) error {
	return c.PutAll([]Item{{Key: key, Entry: ent}})
}

// PutAll stores every item in one atomic batch.
func (c *Cache) PutAll(items []Item) error {
	batch := new(leveldb.Batch)
	for _, it := range items {
		b, err := encodeGob(it.Entry)
		if err != nil {
			return fmt.Errorf("encode %q: %w", it.Key, err)
		}
		batch.Put(c.entryKey(it.Key), b)
	}
	if err := c.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write cache %q: %w", c.name, err)
	}
	return nil
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) error {
	return c.db.Delete(c.entryKey(key), nil)
}

// Keys lists the cached keys in lexical order.
func (c *Cache) Keys() ([]string, error) {
	prefix := []byte(entryPrefix + c.name + sep)
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list keys of %q: %w", c.name, err)
	}
	return out, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
