package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/flow-music/flow-worker/internal/fetch"
)

const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个缓存代对应一个子目录。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &fileCache{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && validateName(entry.Name()) == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.generationDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) generationDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", fmt.Errorf("%w: %q", err, name)
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// fileCache 布局：<StoragePath>/<generation>/<sha1(key)>.entry，正文与元数据同文件存放。
type fileCache struct {
	storage *fileStorage
	name    string
	dir     string
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !matchable(req) {
		return nil, ErrNotFound
	}
	entry, err := readEntryFile(c.entryPath(normalizedRequest(req).Key()))
	if err != nil {
		return nil, err
	}
	return entry.response(), nil
}

func (c *fileCache) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	if err := checkPut(req, resp); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	req = normalizedRequest(req)
	filePath := c.entryPath(req.Key())

	unlock := c.storage.lockEntry(filePath)
	defer unlock()

	payload, err := json.Marshal(newStoredEntry(req, resp))
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (c *fileCache) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if !matchable(req) {
		return false, nil
	}
	filePath := c.entryPath(normalizedRequest(req).Key())
	unlock := c.storage.lockEntry(filePath)
	defer unlock()

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		stored, err := readEntryFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		urls = append(urls, stored.requestURL())
	}
	sort.Strings(urls)
	return urls, nil
}

func (c *fileCache) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readEntryFile(filePath string) (storedEntry, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storedEntry{}, ErrNotFound
		}
		return storedEntry{}, err
	}
	var entry storedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return storedEntry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, nil
}
