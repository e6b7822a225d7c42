package version

import "fmt"

// Version/Commit/Generation 可在构建时通过 -ldflags 注入，默认使用开发占位符。
//
// Generation 是缓存代际令牌，每次部署改动了被缓存的内容时都需要手动递增，
// 它是让旧缓存失效的唯一手段。
var (
	Version    = "0.1.0"
	Commit     = "dev"
	Generation = "erg-pwa-v3"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("erg-cache %s (%s) generation=%s", Version, Commit, Generation)
}
