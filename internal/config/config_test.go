package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := fixturePath("valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应被解析为 15s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.InstallConcurrency != 4 {
		t.Fatalf("InstallConcurrency 应自动填充默认值，得到 %d", cfg.Global.InstallConcurrency)
	}
	if cfg.App.CachePrefix != "erg-pwa-" {
		t.Fatalf("CachePrefix 默认值错误: %s", cfg.App.CachePrefix)
	}
	if len(cfg.App.ShellURLs) != len(DefaultShellURLs) {
		t.Fatalf("ShellURLs 应使用默认清单，得到 %v", cfg.App.ShellURLs)
	}
	if len(cfg.App.DataFiles) != 3 {
		t.Fatalf("DataFiles 应使用默认清单，得到 %v", cfg.App.DataFiles)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	cfgPath := fixturePath("missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestUpstreamFallsBackToOrigin(t *testing.T) {
	app := AppConfig{Origin: "HTTPS://ERG.example.org"}
	if got := app.UpstreamURL().String(); got != "https://erg.example.org" {
		t.Fatalf("未配置 Upstream 时应回退到 Origin，得到 %s", got)
	}

	app.Upstream = "http://127.0.0.1:8080/mirror"
	if got := app.UpstreamURL().String(); got != "http://127.0.0.1:8080/mirror" {
		t.Fatalf("Upstream 覆盖应生效，得到 %s", got)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStorageDriverValidation(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		path      string
		shouldErr bool
	}{
		{"fs ok", "fs", "./data", false},
		{"sqlite ok", "sqlite", "./data/cache.db", false},
		{"memory without path", "memory", "", false},
		{"fs without path", "fs", "", true},
		{"unsupported driver", "redis", "./data", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageDriver = tc.driver
			cfg.Global.StoragePath = tc.path
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestValidateRejectsDataFileWithPath(t *testing.T) {
	cfg := validConfig()
	cfg.App.DataFiles = []string{"air_monitoring_table.json", "nested/sensor_cross_sens.json"}
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("应返回 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "App.DataFiles[1]" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func TestValidateRejectsAbsoluteShellURL(t *testing.T) {
	cfg := validConfig()
	cfg.App.ShellURLs = []string{"./", "https://cdn.example.org/index.html"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("绝对地址的外壳资源应报错")
	}
}

func TestValidateRejectsOriginWithPath(t *testing.T) {
	cfg := validConfig()
	cfg.App.Origin = "https://erg.example.org/pwa"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Origin 带路径时应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			StorageDriver:      StorageDriverFS,
			StoragePath:        "./data",
			UpstreamTimeout:    Duration(time.Second),
			InstallConcurrency: 2,
		},
		App: AppConfig{
			Origin:      "https://erg.example.org",
			Scope:       "/",
			CachePrefix: "erg-pwa-",
			ShellURLs:   append([]string(nil), DefaultShellURLs...),
			DataFiles:   append([]string(nil), DefaultDataFiles...),
		},
	}
}
