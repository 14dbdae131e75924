package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/flow-music/flow-worker/internal/cache"
	"github.com/flow-music/flow-worker/internal/fetch"
)

// ErrNoResponse 表示网络失败且没有可用的缓存回退，调用方应把它当作资源加载失败。
var ErrNoResponse = errors.New("no response available")

// GenerationSource 提供当前生效的缓存代；激活完成前返回 false。
type GenerationSource interface {
	Active(ctx context.Context) (cache.Cache, bool)
}

// Result 描述一次 fetch 事件的处理结果。Handled=false 表示请求未被拦截。
type Result struct {
	Response  *fetch.Response
	Strategy  Strategy
	CacheHit  bool
	CacheName string
	Handled   bool
}

// Router 按策略表处理被拦截的请求。单个请求内最多一次网络访问、一次缓存查找（离线回退除外）。
type Router struct {
	source      GenerationSource
	fetcher     fetch.Fetcher
	policy      Policy
	fallbackURL string
	logger      *logrus.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Options 汇总 Router 依赖，FallbackURL 必须是绝对地址。
type Options struct {
	Source      GenerationSource
	Fetcher     fetch.Fetcher
	Policy      Policy
	FallbackURL string
	Logger      *logrus.Logger
}

// NewRouter 构造 Router。
func NewRouter(opts Options) (*Router, error) {
	if opts.Source == nil {
		return nil, errors.New("generation source is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Router{
		source:      opts.Source,
		fetcher:     opts.Fetcher,
		policy:      opts.Policy,
		fallbackURL: opts.FallbackURL,
		logger:      opts.Logger,
	}, nil
}

// Policy 返回路由使用的策略表。
func (r *Router) Policy() Policy {
	return r.policy
}

// Respond 处理一次 fetch 事件。
func (r *Router) Respond(ctx context.Context, req *fetch.Request) (Result, error) {
	strategy := r.policy.Decide(req)
	switch strategy {
	case StrategyPassthrough:
		return Result{Strategy: strategy}, nil
	case StrategyNetworkFirst:
		return r.networkFirst(ctx, req)
	default:
		return r.cacheFirst(ctx, req)
	}
}

// Drain 等待所有后台缓存写入结束，调用期间不应再有请求进入。
func (r *Router) Drain() {
	r.pending.Wait()
}

// Close 停止接受新的后台写入并等待已有写入结束。之后的响应照常返回，只是不再写缓存。
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.pending.Wait()
}

func (r *Router) networkFirst(ctx context.Context, req *fetch.Request) (Result, error) {
	result := Result{Strategy: StrategyNetworkFirst, Handled: true}

	resp, fetchErr := r.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		result.Response = resp
		return result, nil
	}

	generation, ok := r.source.Active(ctx)
	if ok {
		result.CacheName = generation.Name()
		if cached := r.match(ctx, generation, req); cached != nil {
			result.Response = cached
			result.CacheHit = true
			return result, nil
		}
	}
	return result, fmt.Errorf("%w: %w", ErrNoResponse, fetchErr)
}

func (r *Router) cacheFirst(ctx context.Context, req *fetch.Request) (Result, error) {
	result := Result{Strategy: StrategyCacheFirst, Handled: true}

	generation, active := r.source.Active(ctx)
	if active {
		result.CacheName = generation.Name()
		if cached := r.match(ctx, generation, req); cached != nil {
			result.Response = cached
			result.CacheHit = true
			return result, nil
		}
	}

	resp, fetchErr := r.fetcher.Fetch(ctx, req)
	if fetchErr != nil {
		if req.Destination == fetch.DestinationDocument && active {
			if fallback := r.offlineFallback(ctx, generation); fallback != nil {
				result.Response = fallback
				result.CacheHit = true
				return result, nil
			}
		}
		return result, fmt.Errorf("%w: %w", ErrNoResponse, fetchErr)
	}

	result.Response = resp
	if !active || !isGet(req) || !isStorable(resp) || !r.policy.Cacheable(req) {
		return result, nil
	}

	// 调用方与缓存写入各持有一份副本，写入失败不影响响应。
	r.storeAsync(ctx, generation, req, resp.Clone())
	return result, nil
}

func (r *Router) storeAsync(ctx context.Context, generation cache.Cache, req *fetch.Request, copyResp *fetch.Response) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"action":     "cache_put",
			"cache_name": generation.Name(),
			"url":        req.CacheURL(),
		}).Debug("cache_put_skipped_closed")
		return
	}
	r.pending.Add(1)
	r.mu.Unlock()

	writeCtx := context.WithoutCancel(ctx)
	go func() {
		defer r.pending.Done()
		if err := generation.Put(writeCtx, req, copyResp); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action":     "cache_put",
				"cache_name": generation.Name(),
				"url":        req.CacheURL(),
			}).Warn("cache_put_failed")
		}
	}()
}

func (r *Router) offlineFallback(ctx context.Context, generation cache.Cache) *fetch.Response {
	if r.fallbackURL == "" {
		return nil
	}
	fallbackReq, err := fetch.NewRequest(r.fallbackURL, fetch.DestinationDocument)
	if err != nil {
		return nil
	}
	return r.match(ctx, generation, fallbackReq)
}

func (r *Router) match(ctx context.Context, generation cache.Cache, req *fetch.Request) *fetch.Response {
	cached, err := generation.Match(ctx, req)
	switch {
	case err == nil:
		return cached
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "cache_match",
			"cache_name": generation.Name(),
			"url":        req.CacheURL(),
		}).Warn("cache_get_failed")
		return nil
	}
}

func isGet(req *fetch.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}

// isStorable 只缓存 200 的同源（basic）响应，opaque 响应无法在本地校验正确性。
func isStorable(resp *fetch.Response) bool {
	return resp != nil && resp.Status == http.StatusOK && resp.Type == fetch.ResponseTypeBasic
}
