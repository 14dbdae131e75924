package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DefaultCacheName       = "flow-music-v2.0"
	DefaultOfflineFallback = "/index.html"
)

var (
	// DefaultManifest 是新缓存代安装时必须预取的核心资源。
	DefaultManifest = []string{"/", "/index.html", "/manifest.json"}

	DefaultExcludedMarkers     = []string{"firebase", "googleapis", "gstatic"}
	DefaultAudioExtensions     = []string{"mp3", "wav", "ogg", "m4a"}
	DefaultCacheableExtensions = []string{"html", "css", "js", "json"}
	DefaultVibrate             = []int{100, 50, 100}
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageDriver", "fs")
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("SkipWaiting", true)
	v.SetDefault("ClaimClients", true)

	v.SetDefault("Cache.Name", DefaultCacheName)
	v.SetDefault("Cache.Manifest", DefaultManifest)
	v.SetDefault("Cache.OfflineFallback", DefaultOfflineFallback)
	v.SetDefault("Cache.ExcludedMarkers", DefaultExcludedMarkers)
	v.SetDefault("Cache.AudioExtensions", DefaultAudioExtensions)
	v.SetDefault("Cache.CacheableExtensions", DefaultCacheableExtensions)

	v.SetDefault("Notification.DefaultTitle", "Flow Music")
	v.SetDefault("Notification.DefaultBody", "Новое уведомление")
	v.SetDefault("Notification.DefaultURL", "/")
	v.SetDefault("Notification.Icon", "/icons/icon-192x192.png")
	v.SetDefault("Notification.Badge", "/icons/icon-72x72.png")
	v.SetDefault("Notification.Vibrate", DefaultVibrate)
	v.SetDefault("Notification.TTL", "24h")
	v.SetDefault("Notification.ClientTTL", "2m")
}

// ApplyDefaults 补齐 Viper 之外构造的配置（例如测试中手写的 Config）。
func ApplyDefaults(cfg *Config) {
	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	applyNotificationDefaults(&cfg.Notification)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = "fs"
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		g.UpstreamTimeout = Duration(0)
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
}

func applyCacheDefaults(c *CacheConfig) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultCacheName
	}
	if len(c.Manifest) == 0 {
		c.Manifest = append([]string(nil), DefaultManifest...)
	}
	if strings.TrimSpace(c.OfflineFallback) == "" {
		c.OfflineFallback = DefaultOfflineFallback
	}
	// 空列表与未配置等价，始终回退到默认排除标记，passthrough 无法整体关闭。
	if len(c.ExcludedMarkers) == 0 {
		c.ExcludedMarkers = append([]string(nil), DefaultExcludedMarkers...)
	}
	c.ExternalHosts = normalizeHosts(c.ExternalHosts)
	if len(c.AudioExtensions) == 0 {
		c.AudioExtensions = append([]string(nil), DefaultAudioExtensions...)
	}
	if len(c.CacheableExtensions) == 0 {
		c.CacheableExtensions = append([]string(nil), DefaultCacheableExtensions...)
	}
	c.AudioExtensions = normalizeExtensions(c.AudioExtensions)
	c.CacheableExtensions = normalizeExtensions(c.CacheableExtensions)
}

func applyNotificationDefaults(n *NotificationConfig) {
	if n.DefaultTitle == "" {
		n.DefaultTitle = "Flow Music"
	}
	if n.DefaultBody == "" {
		n.DefaultBody = "Новое уведомление"
	}
	if n.DefaultURL == "" {
		n.DefaultURL = "/"
	}
	if n.Icon == "" {
		n.Icon = "/icons/icon-192x192.png"
	}
	if n.Badge == "" {
		n.Badge = "/icons/icon-72x72.png"
	}
	if len(n.Vibrate) == 0 {
		n.Vibrate = append([]int(nil), DefaultVibrate...)
	}
	if n.TTL.DurationValue() <= 0 {
		n.TTL = Duration(24 * time.Hour)
	}
	if n.ClientTTL.DurationValue() <= 0 {
		n.ClientTTL = Duration(2 * time.Minute)
	}
}

// normalizeExtensions 去掉前导点并统一小写，".MP3" 与 "mp3" 等价。
// normalizeHosts 统一为小写并去掉空项。
func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			out = append(out, host)
		}
	}
	return out
}

func normalizeExtensions(exts []string) []string {
	if len(exts) == 0 {
		return exts
	}
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			out = append(out, ext)
		}
	}
	return out
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
