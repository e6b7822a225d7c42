package policy

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Rules 是归类所需的全部输入：应用来源、作用域内的 shell 路径与数据文件名。
type Rules struct {
	origin     *url.URL
	shellPaths map[string]struct{}
	dataFiles  map[string]struct{}
}

// NewRules 将相对的 shell URL 解析到 origin+scope 下，得到精确匹配用的路径集合。
func NewRules(origin *url.URL, scope string, shellURLs, dataFiles []string) (Rules, error) {
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return Rules{}, errors.New("origin must be an absolute URL")
	}
	if scope == "" {
		scope = "/"
	}
	if !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	base := &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: scope}

	rules := Rules{
		origin:     &url.URL{Scheme: strings.ToLower(origin.Scheme), Host: strings.ToLower(origin.Host)},
		shellPaths: make(map[string]struct{}, len(shellURLs)),
		dataFiles:  make(map[string]struct{}, len(dataFiles)),
	}
	for _, raw := range shellURLs {
		ref, err := url.Parse(raw)
		if err != nil {
			return Rules{}, fmt.Errorf("parse shell url %q: %w", raw, err)
		}
		resolved := base.ResolveReference(ref)
		if !sameOrigin(rules.origin, resolved) {
			return Rules{}, fmt.Errorf("shell url %q resolves outside origin", raw)
		}
		rules.shellPaths[resolved.Path] = struct{}{}
	}
	for _, name := range dataFiles {
		name = strings.TrimSpace(name)
		if name == "" || strings.Contains(name, "/") {
			return Rules{}, fmt.Errorf("invalid data file name %q", name)
		}
		rules.dataFiles[name] = struct{}{}
	}
	return rules, nil
}

// Origin 返回规则绑定的来源（仅 scheme 与 host）。
func (r Rules) Origin() *url.URL {
	if r.origin == nil {
		return nil
	}
	copied := *r.origin
	return &copied
}

// ShellPaths 返回解析后的 shell 路径集合副本。
func (r Rules) ShellPaths() []string {
	out := make([]string, 0, len(r.shellPaths))
	for p := range r.shellPaths {
		out = append(out, p)
	}
	return out
}

// SameOrigin 判断 u 是否与规则的来源一致。
func (r Rules) SameOrigin(u *url.URL) bool {
	return sameOrigin(r.origin, u)
}

// Classify 依次判断：跨域 → passthrough；末段为数据文件名 → data；
// 路径精确等于某个 shell 路径 → shell；其余 passthrough。
func Classify(u *url.URL, rules Rules) Class {
	if u == nil || !sameOrigin(rules.origin, u) {
		return ClassPassthrough
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	if _, ok := rules.dataFiles[lastSegment(p)]; ok {
		return ClassData
	}
	if _, ok := rules.shellPaths[p]; ok {
		return ClassShell
	}
	return ClassPassthrough
}

func lastSegment(p string) string {
	if strings.HasSuffix(p, "/") {
		return ""
	}
	return path.Base(p)
}

func sameOrigin(origin, u *url.URL) bool {
	if origin == nil || u == nil {
		return false
	}
	if !strings.EqualFold(origin.Scheme, u.Scheme) {
		return false
	}
	if !strings.EqualFold(origin.Hostname(), u.Hostname()) {
		return false
	}
	return effectivePort(origin) == effectivePort(u)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
