package routing

import (
	"net/url"
	"path"
	"strings"

	"github.com/flow-music/flow-worker/internal/config"
	"github.com/flow-music/flow-worker/internal/fetch"
)

// Strategy 是单个请求的处理方式，按策略表逐条匹配，先命中者生效。
type Strategy string

const (
	// StrategyPassthrough 不拦截：请求原样交给网络，不读写缓存。
	StrategyPassthrough Strategy = "passthrough"
	// StrategyNetworkFirst 先走网络，仅在网络失败时回退缓存（音频）。
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyCacheFirst 缓存命中直接返回，未命中再回源并按白名单写缓存。
	StrategyCacheFirst Strategy = "cache-first"
)

// Policy 是无状态的路由策略表，由 CacheConfig 构造。
type Policy struct {
	excludedMarkers []string
	externalHosts   map[string]struct{}
	audio           map[string]struct{}
	cacheable       map[string]struct{}
}

// NewPolicy 根据缓存配置构造策略表。
func NewPolicy(cfg config.CacheConfig) Policy {
	markers := make([]string, 0, len(cfg.ExcludedMarkers))
	for _, marker := range cfg.ExcludedMarkers {
		if marker = strings.TrimSpace(marker); marker != "" {
			markers = append(markers, marker)
		}
	}
	hosts := make(map[string]struct{}, len(cfg.ExternalHosts))
	for _, host := range cfg.ExternalHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			hosts[host] = struct{}{}
		}
	}
	return Policy{
		excludedMarkers: markers,
		externalHosts:   hosts,
		audio:           extensionSet(cfg.AudioExtensions),
		cacheable:       extensionSet(cfg.CacheableExtensions),
	}
}

// Decide 为请求选择策略：排除域名 → 音频扩展名 → 其余全部 cache-first。
func (p Policy) Decide(req *fetch.Request) Strategy {
	raw := req.CacheURL()
	for _, marker := range p.excludedMarkers {
		if strings.Contains(raw, marker) {
			return StrategyPassthrough
		}
	}
	if _, ok := p.audio[extension(req)]; ok {
		return StrategyNetworkFirst
	}
	return StrategyCacheFirst
}

// Cacheable 判断回源结果是否允许写入缓存（html/css/js/json 白名单）。
func (p Policy) Cacheable(req *fetch.Request) bool {
	_, ok := p.cacheable[extension(req)]
	return ok
}

// AllowsExternal 判断页面能否经由网关请求 target 这个外部地址：
// 主机（含端口）在 ExternalHosts 中，或主机名包含排除标记。只看主机，不看路径与查询串。
func (p Policy) AllowsExternal(target *url.URL) bool {
	if target == nil || target.Host == "" {
		return false
	}
	if _, ok := p.externalHosts[strings.ToLower(target.Host)]; ok {
		return true
	}
	hostname := strings.ToLower(target.Hostname())
	for _, marker := range p.excludedMarkers {
		if strings.Contains(hostname, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func extension(req *fetch.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(req.URL.Path), "."))
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			set[ext] = struct{}{}
		}
	}
	return set
}
