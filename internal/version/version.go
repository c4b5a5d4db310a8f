package version

import "fmt"

// 构建时通过 -ldflags "-X .../internal/version.Version=..." 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 CLI 与诊断接口展示的版本串。
func Full() string {
	return fmt.Sprintf("offline-cache %s (%s)", Version, Commit)
}

// UserAgent 是控制器主动发往源站的请求（预缓存）携带的 User-Agent。
func UserAgent() string {
	return "offline-cache/" + Version
}
