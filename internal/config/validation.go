package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:     {},
	StorageDriverSQLite: {},
	StorageDriverMemory: {},
}

const supportedStorageDriverList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if err := validateListenHost(g.ListenHost); err != nil {
		return err
	}
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != StorageDriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	return c.App.validate()
}

func (a AppConfig) validate() error {
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", appField("Origin", -1), err)
	}
	if a.Upstream != "" {
		if err := validateUpstream(a.Upstream); err != nil {
			return fmt.Errorf("%s: %w", appField("Upstream", -1), err)
		}
	}
	if !strings.HasPrefix(a.Scope, "/") || !strings.HasSuffix(a.Scope, "/") {
		return newFieldError(appField("Scope", -1), "必须以 / 开头并以 / 结尾")
	}
	prefix := strings.TrimSpace(a.CachePrefix)
	if prefix == "" {
		return newFieldError(appField("CachePrefix", -1), "不能为空")
	}
	if strings.ContainsAny(prefix, `/\ `) {
		return newFieldError(appField("CachePrefix", -1), "不允许包含路径分隔符或空格")
	}

	if len(a.ShellURLs) == 0 {
		return newFieldError(appField("ShellURLs", -1), "至少需要一个外壳资源")
	}
	for i, raw := range a.ShellURLs {
		if err := validateRelativeURL(raw); err != nil {
			return fmt.Errorf("%s: %w", appField("ShellURLs", i), err)
		}
	}

	if len(a.DataFiles) == 0 {
		return newFieldError(appField("DataFiles", -1), "至少需要一个数据文件")
	}
	seen := map[string]struct{}{}
	for i, name := range a.DataFiles {
		name = strings.TrimSpace(name)
		if name == "" {
			return newFieldError(appField("DataFiles", i), "不能为空")
		}
		if strings.Contains(name, "/") {
			return newFieldError(appField("DataFiles", i), "只允许文件名，不允许包含路径")
		}
		if _, exists := seen[name]; exists {
			return newFieldError(appField("DataFiles", i), "重复")
		}
		seen[name] = struct{}{}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少应用来源")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，来源: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("来源缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("来源不应包含路径，请使用 Scope: %s", raw)
	}
	return nil
}

func validateUpstream(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateRelativeURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return fmt.Errorf("必须是相对地址: %s", raw)
	}
	return nil
}

// validateListenHost 只接受 IP 或主机名，端口由 ListenPort 单独配置。
func validateListenHost(host string) error {
	if host == "" {
		return newFieldError("Global.ListenHost", "不能为空")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if strings.ContainsAny(host, ":/ []") {
		return newFieldError("Global.ListenHost", "必须是 IP 或主机名，不能包含端口")
	}
	return nil
}
