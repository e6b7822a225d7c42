package policy

// Class 表示请求的缓存类别，同时决定桶名后缀。
type Class string

const (
	ClassShell       Class = "shell"
	ClassData        Class = "data"
	ClassPassthrough Class = "passthrough"
)

// Cached 表示该类别是否拥有自己的缓存桶。
func (c Class) Cached() bool {
	return c == ClassShell || c == ClassData
}

// Strategy 描述类别的读写顺序。
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyNetworkOnly          Strategy = "network-only"
)

// Profile 记录一个类别的读写策略，manager.Respond 据此分发，诊断端原样展示。
// StoreOnMiss 决定未命中时取得的网络响应是否写入缓存。
type Profile struct {
	Class       Class    `json:"class"`
	Strategy    Strategy `json:"strategy"`
	StoreOnMiss bool     `json:"store_on_miss"`
	Description string   `json:"description"`
}

var profiles = []Profile{
	{
		Class:       ClassShell,
		Strategy:    StrategyCacheFirst,
		StoreOnMiss: false,
		Description: "Application shell pages, pre-loaded on install and served from cache first",
	},
	{
		Class:       ClassData,
		Strategy:    StrategyStaleWhileRevalidate,
		StoreOnMiss: true,
		Description: "Data assets served from cache while a background fetch refreshes the entry",
	},
	{
		Class:       ClassPassthrough,
		Strategy:    StrategyNetworkOnly,
		Description: "Everything else, forwarded to the network untouched",
	},
}

// Profiles 返回全部类别的策略，顺序固定为 shell、data、passthrough。
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}

// ProfileFor 返回指定类别的策略；未知类别按 passthrough 处理。
func ProfileFor(class Class) Profile {
	for _, p := range profiles {
		if p.Class == class {
			return p
		}
	}
	return profiles[len(profiles)-1]
}
