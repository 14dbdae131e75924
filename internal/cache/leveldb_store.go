package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/flow-music/flow-worker/internal/fetch"
)

// LevelDB 键布局：
//
//	g:<generation>               -> 创建时间（unix 纳秒）
//	e:<generation>\x00<GET url>  -> gob 编码的 storedEntry
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
)

// NewLevelDBStorage 在 path 下打开（或创建）LevelDB，所有缓存代共享一个数据库。
func NewLevelDBStorage(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStorage{db: db}, nil
}

type levelStorage struct {
	db *leveldb.DB
}

func (s *levelStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureGeneration(name); err != nil {
		return nil, err
	}
	return &levelCache{storage: s, name: name}, nil
}

func (s *levelStorage) ensureGeneration(name string) error {
	key := []byte(generationPrefix + name)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	created := strconv.FormatInt(time.Now().UnixNano(), 10)
	return s.db.Put(key, []byte(created), nil)
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, fmt.Errorf("%w: %q", err, name)
	}
	return s.db.Has([]byte(generationPrefix+name), nil)
}

func (s *levelStorage) Keys(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(generationEntryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(generationPrefix + name))

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func generationEntryPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

type levelCache struct {
	storage *levelStorage
	name    string
}

func (c *levelCache) Name() string {
	return c.name
}

func (c *levelCache) entryKey(req *fetch.Request) []byte {
	return append(generationEntryPrefix(c.name), normalizedRequest(req).Key()...)
}

func (c *levelCache) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !matchable(req) {
		return nil, ErrNotFound
	}
	raw, err := c.storage.db.Get(c.entryKey(req), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry storedEntry
	if err := decodeGob(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry.response(), nil
}

func (c *levelCache) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	if err := checkPut(req, resp); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeGob(newStoredEntry(normalizedRequest(req), resp))
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(c.entryKey(req), payload)
	if exists, err := c.storage.db.Has([]byte(generationPrefix+c.name), nil); err == nil && !exists {
		batch.Put([]byte(generationPrefix+c.name), []byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	}
	return c.storage.db.Write(batch, nil)
}

func (c *levelCache) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if !matchable(req) {
		return false, nil
	}
	key := c.entryKey(req)
	exists, err := c.storage.db.Has(key, nil)
	if err != nil || !exists {
		return false, err
	}
	if err := c.storage.db.Delete(key, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	prefix := generationEntryPrefix(c.name)
	it := c.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var urls []string
	for it.Next() {
		var entry storedEntry
		if err := decodeGob(it.Value(), &entry); err != nil {
			continue
		}
		urls = append(urls, entry.requestURL())
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(urls)
	return urls, nil
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
