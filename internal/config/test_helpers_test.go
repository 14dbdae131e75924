package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把 TOML 内容写入临时目录并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// validConfig 返回一份可通过 Validate 的最小配置，供各校验用例修改单个字段。
func validConfig() *Config {
	cfg := &Config{
		Global: GlobalConfig{
			ListenPort:      8080,
			Origin:          "https://flow.example",
			StorageDriver:   "fs",
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Cache: CacheConfig{
			Name:                "flow-music-v2.0",
			Manifest:            []string{"/", "/index.html"},
			OfflineFallback:     "/index.html",
			AudioExtensions:     []string{"mp3"},
			CacheableExtensions: []string{"html"},
		},
	}
	applyNotificationDefaults(&cfg.Notification)
	return cfg
}
