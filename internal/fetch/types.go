package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// Destination 对应浏览器 Request.destination，决定离线时是否回退到入口文档。
type Destination string

const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
	DestinationAudio    Destination = "audio"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationImage    Destination = "image"
)

// ResponseType 描述响应来源：同源为 basic，跨源为 cors/opaque。
type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"
	ResponseTypeCORS   ResponseType = "cors"
	ResponseTypeOpaque ResponseType = "opaque"
)

// Request 是一次被拦截的资源请求，URL 始终为绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Destination Destination
	Header      http.Header
	Body        []byte
}

// NewRequest 基于绝对 URL 构造 GET 请求，方便 manifest 预取与测试复用。
func NewRequest(rawURL string, dest Destination) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !parsed.IsAbs() {
		return nil, errors.New("request url must be absolute")
	}
	return &Request{
		Method:      http.MethodGet,
		URL:         parsed,
		Destination: dest,
		Header:      http.Header{},
	}, nil
}

// Key 返回缓存身份：method + 绝对 URL（不含 fragment）。
func (r *Request) Key() string {
	return r.Method + " " + r.CacheURL()
}

// CacheURL 返回去掉 fragment 后的 URL 字符串。
func (r *Request) CacheURL() string {
	if r == nil || r.URL == nil {
		return ""
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Response 是一次完整读取后的响应快照。Body 属于该值本身，跨消费方共享前需 Clone。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	URL      string
	StoredAt time.Time
}

// OK 对应 Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 生成独立持有 Header/Body 的副本，供缓存写入与调用方分别消费。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Fetcher 抽象网络访问，生产环境使用 HTTPFetcher，测试可注入假实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher 接口。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
