package server

import (
	"errors"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/erg-pwa/erg-cache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有网络请求。
// 超时是挂起请求的唯一上界，后台刷新同样受其约束。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// UpstreamFetcher 将同源请求改写到真实的回源地址，跨域请求保持原样发送。
type UpstreamFetcher struct {
	client     *http.Client
	sameOrigin func(*url.URL) bool
	upstream   *url.URL
}

// NewUpstreamFetcher 构造回源 fetcher；sameOrigin 判断请求是否属于应用自身来源。
func NewUpstreamFetcher(client *http.Client, upstream *url.URL, sameOrigin func(*url.URL) bool) (*UpstreamFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if upstream == nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, errors.New("upstream must be an absolute URL")
	}
	if sameOrigin == nil {
		sameOrigin = func(*url.URL) bool { return false }
	}
	return &UpstreamFetcher{client: client, sameOrigin: sameOrigin, upstream: upstream}, nil
}

// Do 发送请求并剥离双向的 hop-by-hop 头部。
func (f *UpstreamFetcher) Do(req *http.Request) (*http.Response, error) {
	target := f.resolve(req.URL)

	out := req.Clone(req.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	out.Header = http.Header{}
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Host")
	out.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	filtered := http.Header{}
	CopyHeaders(filtered, resp.Header)
	resp.Header = filtered
	return resp, nil
}

func (f *UpstreamFetcher) resolve(u *url.URL) *url.URL {
	if !f.sameOrigin(u) {
		copied := *u
		return &copied
	}
	target := *f.upstream
	target.Path = strings.TrimSuffix(f.upstream.Path, "/") + u.Path
	if u.RawPath != "" {
		target.RawPath = strings.TrimSuffix(f.upstream.EscapedPath(), "/") + u.RawPath
	} else {
		target.RawPath = ""
	}
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
