package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、源站、日志与存储。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	Origin          string   `mapstructure:"Origin"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	SkipWaiting     bool     `mapstructure:"SkipWaiting"`
	ClaimClients    bool     `mapstructure:"ClaimClients"`
}

// CacheConfig 是版本化的缓存配置：Name 由部署者手动递增，用于整体失效旧缓存代。
type CacheConfig struct {
	Name                string   `mapstructure:"Name"`
	Manifest            []string `mapstructure:"Manifest"`
	OfflineFallback     string   `mapstructure:"OfflineFallback"`
	ExcludedMarkers     []string `mapstructure:"ExcludedMarkers"`
	ExternalHosts       []string `mapstructure:"ExternalHosts"`
	AudioExtensions     []string `mapstructure:"AudioExtensions"`
	CacheableExtensions []string `mapstructure:"CacheableExtensions"`
}

// NotificationConfig 控制推送通知的默认展示内容与宿主侧保留时长。
type NotificationConfig struct {
	DefaultTitle string   `mapstructure:"DefaultTitle"`
	DefaultBody  string   `mapstructure:"DefaultBody"`
	DefaultURL   string   `mapstructure:"DefaultURL"`
	Icon         string   `mapstructure:"Icon"`
	Badge        string   `mapstructure:"Badge"`
	Vibrate      []int    `mapstructure:"Vibrate"`
	TTL          Duration `mapstructure:"TTL"`
	ClientTTL    Duration `mapstructure:"ClientTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Cache        CacheConfig        `mapstructure:"Cache"`
	Notification NotificationConfig `mapstructure:"Notification"`
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Global.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// ResolveURL 将 manifest/回退页等根相对路径解析为源站下的绝对地址。
func (c *Config) ResolveURL(raw string) (string, error) {
	origin := c.OriginURL()
	if origin == nil {
		return "", fmt.Errorf("invalid origin: %s", c.Global.Origin)
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return origin.ResolveReference(ref).String(), nil
}
