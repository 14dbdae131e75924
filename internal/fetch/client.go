package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client；timeout <= 0 时不设置整体超时。
func NewUpstreamClient(timeout time.Duration) *http.Client {
	client := &http.Client{
		Transport: defaultTransport.Clone(),
	}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}

// HTTPFetcher 通过共享 http.Client 访问网络，并按 origin 判定响应类型。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher 构造 Fetcher；origin 用于区分同源（basic）与跨源响应。
func NewHTTPFetcher(client *http.Client, origin *url.URL) *HTTPFetcher {
	if client == nil {
		client = NewUpstreamClient(0)
	}
	return &HTTPFetcher{client: client, origin: origin}
}

// Fetch 发起请求并完整读取正文。只有网络层失败才返回 error，HTTP 错误码照常返回 Response。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request url required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.CacheURL(), body)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = req.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.CacheURL(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", req.CacheURL(), err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Type:   f.responseType(finalURL, resp.Header),
		URL:    finalURL.String(),
	}, nil
}

func (f *HTTPFetcher) responseType(final *url.URL, header http.Header) ResponseType {
	if f.origin == nil || SameOrigin(f.origin, final) {
		return ResponseTypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return ResponseTypeCORS
	}
	return ResponseTypeOpaque
}

// SameOrigin 比较 scheme + host（含端口）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}
