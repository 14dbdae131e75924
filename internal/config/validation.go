package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":      {},
	"leveldb": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[strings.ToLower(g.StorageDriver)]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs/leveldb")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}

	if err := c.Cache.validate(); err != nil {
		return err
	}
	return c.Notification.validate()
}

func (c CacheConfig) validate() error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return newFieldError("Cache.Name", "不能为空")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return newFieldError("Cache.Name", "不能包含路径分隔符")
	}
	if len(c.Manifest) == 0 {
		return newFieldError("Cache.Manifest", "至少需要一个资源")
	}
	for i, entry := range c.Manifest {
		if err := validateAssetURL(entry); err != nil {
			return newFieldError(fmt.Sprintf("Cache.Manifest[%d]", i), err.Error())
		}
	}
	if err := validateAssetURL(c.OfflineFallback); err != nil {
		return newFieldError("Cache.OfflineFallback", err.Error())
	}
	for i, host := range c.ExternalHosts {
		if host == "" || strings.ContainsAny(host, "/?#@ ") {
			return newFieldError(fmt.Sprintf("Cache.ExternalHosts[%d]", i), "只能填写主机名（可带端口）")
		}
	}
	if len(c.AudioExtensions) == 0 {
		return newFieldError("Cache.AudioExtensions", "不能为空")
	}
	if len(c.CacheableExtensions) == 0 {
		return newFieldError("Cache.CacheableExtensions", "不能为空")
	}
	return nil
}

func (n NotificationConfig) validate() error {
	if strings.TrimSpace(n.DefaultTitle) == "" {
		return newFieldError("Notification.DefaultTitle", "不能为空")
	}
	if err := validateAssetURL(n.DefaultURL); err != nil {
		return newFieldError("Notification.DefaultURL", err.Error())
	}
	for i, ms := range n.Vibrate {
		if ms < 0 {
			return newFieldError(fmt.Sprintf("Notification.Vibrate[%d]", i), "不能为负数")
		}
	}
	if n.TTL.DurationValue() <= 0 {
		return newFieldError("Notification.TTL", "必须大于 0")
	}
	if n.ClientTTL.DurationValue() <= 0 {
		return newFieldError("Notification.ClientTTL", "必须大于 0")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// validateAssetURL 接受根相对路径或 http/https 绝对地址。
func validateAssetURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.IsAbs() {
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("仅支持 http/https: %s", raw)
		}
		return nil
	}
	if !strings.HasPrefix(raw, "/") {
		return fmt.Errorf("必须以 / 开头: %s", raw)
	}
	return nil
}
