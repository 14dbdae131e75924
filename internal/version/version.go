package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("flow-worker %s (%s)", Version, Commit)
}

// ScriptVersion 标识 worker 脚本版本，与缓存代名称一起出现在 /-/status 中。
func ScriptVersion(cacheName string) string {
	return fmt.Sprintf("%s+%s", Version, cacheName)
}
