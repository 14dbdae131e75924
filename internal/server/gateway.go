package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/flow-music/flow-worker/internal/fetch"
	"github.com/flow-music/flow-worker/internal/logging"
	"github.com/flow-music/flow-worker/internal/routing"
	"github.com/flow-music/flow-worker/internal/worker"
)

// EventDispatcher 是 Gateway 依赖的最小事件分发能力。
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev worker.Event) (worker.Result, error)
}

// Gateway 把 HTTP 请求转换为 fetch 事件，并把结果写回客户端。
// 未被拦截（passthrough）的请求直接交给 Fetcher 原样回源。
type Gateway struct {
	origin     *url.URL
	dispatcher EventDispatcher
	fetcher    fetch.Fetcher
	logger     *logrus.Logger
}

// NewGateway 构造 Gateway，origin 为页面所在源站。
func NewGateway(origin *url.URL, dispatcher EventDispatcher, fetcher fetch.Fetcher, logger *logrus.Logger) (*Gateway, error) {
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if dispatcher == nil {
		return nil, errors.New("event dispatcher is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Gateway{origin: origin, dispatcher: dispatcher, fetcher: fetcher, logger: logger}, nil
}

// Handle 把当前请求映射到源站地址后处理。
func (g *Gateway) Handle(c fiber.Ctx) error {
	return g.Serve(c, g.BuildRequest(c))
}

// BuildRequest 基于源站与请求路径构造 fetch.Request。
func (g *Gateway) BuildRequest(c fiber.Ctx) *fetch.Request {
	uri := c.Request().URI()
	target := *g.origin
	target.Path = requestPath(c)
	target.RawPath = ""
	target.RawQuery = string(uri.QueryString())
	target.Fragment = ""
	return RequestFor(c, &target)
}

// RequestFor 以 target 为地址构造 fetch.Request，方法、请求头与正文取自当前请求。
func RequestFor(c fiber.Ctx, target *url.URL) *fetch.Request {
	header := requestHeaders(c)
	req := &fetch.Request{
		Method:      c.Method(),
		URL:         target,
		Destination: requestDestination(header),
		Header:      header,
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req
}

// Serve 分发 fetch 事件；未拦截时直接回源。
func (g *Gateway) Serve(c fiber.Ctx, req *fetch.Request) error {
	started := time.Now()
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := g.dispatcher.Dispatch(ctx, worker.Event{Kind: worker.KindFetch, Request: req})
	result := res.Fetch
	if err == nil && !result.Handled {
		result.Strategy = routing.StrategyPassthrough
		result.Response, err = g.fetcher.Fetch(ctx, req)
	}

	if err != nil {
		g.logResult(c, req, result, 0, started, err)
		if req.Destination == fetch.DestinationDocument && errors.Is(err, routing.ErrNoResponse) {
			return WriteError(c, fiber.StatusGatewayTimeout, "offline_no_fallback")
		}
		return WriteError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if result.Response == nil {
		g.logResult(c, req, result, 0, started, routing.ErrNoResponse)
		return WriteError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Flow-Strategy", string(result.Strategy))
	c.Set("X-Flow-Cache-Hit", strconv.FormatBool(result.CacheHit))
	if requestID := RequestID(c); requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	g.logResult(c, req, result, resp.Status, started, nil)
	if req.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (g *Gateway) logResult(c fiber.Ctx, req *fetch.Request, result routing.Result, status int, started time.Time, err error) {
	fields := logging.RequestFields(
		req.Method,
		req.CacheURL(),
		string(req.Destination),
		string(result.Strategy),
		result.CacheName,
		result.CacheHit,
	)
	fields["action"] = "fetch"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		g.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	g.logger.WithFields(fields).Info("fetch_complete")
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

// requestHeaders 复制请求头，去掉 Host 与 hop-by-hop 字段。
func requestHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if strings.EqualFold(name, fiber.HeaderHost) || fetch.IsHopByHopHeader(name) {
			return
		}
		header.Add(name, string(value))
	})
	return header
}

// requestDestination 优先使用 Sec-Fetch-Dest；缺失时接受 text/html 的请求视为入口文档。
func requestDestination(header http.Header) fetch.Destination {
	if dest := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest"))); dest != "" && dest != "empty" {
		return fetch.Destination(dest)
	}
	if strings.Contains(header.Get(fiber.HeaderAccept), "text/html") {
		return fetch.DestinationDocument
	}
	return fetch.DestinationEmpty
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
