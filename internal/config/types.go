package config

import (
	"fmt"
	"net"
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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// 支持的桶存储驱动。
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
	StorageDriverMemory = "memory"
)

// DefaultListenHost 默认只监听本机回环地址。
const DefaultListenHost = "127.0.0.1"

// DefaultShellURLs 是安装阶段预加载的应用外壳资源，相对 Scope 解析。
var DefaultShellURLs = []string{
	"./",
	"./index.html",
	"./table.html",
	"./hasp.html",
	"./manifest.json",
}

// DefaultDataFiles 是按 stale-while-revalidate 策略服务的参考数据文件名。
var DefaultDataFiles = []string{
	"air_monitoring_table.json",
	"sensor_part_numbers.json",
	"sensor_cross_sens.json",
}

// GlobalConfig 描述进程级运行参数：监听地址、日志、存储与上游超时。
type GlobalConfig struct {
	ListenHost         string   `mapstructure:"ListenHost"`
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	StoragePath        string   `mapstructure:"StoragePath"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// ListenAddr 返回 host:port 形式的监听地址，IPv6 地址会加方括号。
func (g GlobalConfig) ListenAddr() string {
	return net.JoinHostPort(g.ListenHost, strconv.Itoa(g.ListenPort))
}

// AppConfig 描述被缓存的应用：来源、作用域以及外壳/数据资源清单。
type AppConfig struct {
	Origin      string   `mapstructure:"Origin"`
	Upstream    string   `mapstructure:"Upstream"`
	Scope       string   `mapstructure:"Scope"`
	CachePrefix string   `mapstructure:"CachePrefix"`
	ShellURLs   []string `mapstructure:"ShellURLs"`
	DataFiles   []string `mapstructure:"DataFiles"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}

// OriginURL 返回解析后的应用来源，调用方需保证 Validate 已经通过。
func (a AppConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(a.Origin)
	if err != nil {
		return &url.URL{}
	}
	return &url.URL{Scheme: strings.ToLower(parsed.Scheme), Host: strings.ToLower(parsed.Host)}
}

// UpstreamURL 返回真实回源地址；未配置 Upstream 时与 Origin 相同。
func (a AppConfig) UpstreamURL() *url.URL {
	if strings.TrimSpace(a.Upstream) == "" {
		return a.OriginURL()
	}
	parsed, err := url.Parse(a.Upstream)
	if err != nil {
		return a.OriginURL()
	}
	return parsed
}
