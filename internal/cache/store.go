package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flow-music/flow-worker/internal/fetch"
)

// Storage 管理全部缓存代（generation），对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存代，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回所有缓存代名称（按名称排序）。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存代及其全部条目，返回该缓存代此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Cache 是单个缓存代，条目以 GET + 绝对 URL 为键。
type Cache interface {
	Name() string

	// Match 返回与请求完全一致的缓存条目；不存在时返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)

	// Put 写入（或整体替换）条目。实现需保证写入原子性。
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error

	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, req *fetch.Request) (bool, error)

	// Keys 返回当前缓存代内所有条目的 URL。
	Keys(ctx context.Context) ([]string, error)
}

const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
)

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示只有 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrInvalidName 表示缓存代名称不能映射到存储路径。
	ErrInvalidName = errors.New("invalid cache name")
)

// NewStorage 根据驱动名创建 Storage，basePath 为磁盘根目录。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverLevelDB:
		return NewLevelDBStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// storedEntry 是两种驱动共用的持久化结构。
type storedEntry struct {
	Key      string              `json:"key"`
	URL      string              `json:"url"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header"`
	Body     []byte              `json:"body"`
	Type     string              `json:"type"`
	StoredAt time.Time           `json:"stored_at"`
}

func newStoredEntry(req *fetch.Request, resp *fetch.Response) storedEntry {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	respURL := resp.URL
	if respURL == "" {
		respURL = req.CacheURL()
	}
	return storedEntry{
		Key:      req.Key(),
		URL:      respURL,
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     append([]byte(nil), resp.Body...),
		Type:     string(resp.Type),
		StoredAt: storedAt,
	}
}

func (e storedEntry) response() *fetch.Response {
	header := http.Header(e.Header).Clone()
	if header == nil {
		header = http.Header{}
	}
	return &fetch.Response{
		Status:   e.Status,
		Header:   header,
		Body:     e.Body,
		Type:     fetch.ResponseType(e.Type),
		URL:      e.URL,
		StoredAt: e.StoredAt,
	}
}

func (e storedEntry) requestURL() string {
	return strings.TrimPrefix(e.Key, http.MethodGet+" ")
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidName
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	return nil
}

func checkPut(req *fetch.Request, resp *fetch.Response) error {
	if req == nil || req.URL == nil {
		return errors.New("request url required")
	}
	if resp == nil {
		return errors.New("response required")
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return ErrMethodNotCacheable
	}
	return nil
}

func matchable(req *fetch.Request) bool {
	return req != nil && req.URL != nil && (req.Method == "" || req.Method == http.MethodGet)
}

// normalizedRequest 让 Method 为空的请求与 GET 使用同一缓存键。
func normalizedRequest(req *fetch.Request) *fetch.Request {
	if req.Method != "" {
		return req
	}
	clone := *req
	clone.Method = http.MethodGet
	return &clone
}
