package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/erg-pwa/erg-cache/internal/logging"
	"github.com/erg-pwa/erg-cache/internal/manager"
	"github.com/erg-pwa/erg-cache/internal/policy"
	"github.com/erg-pwa/erg-cache/internal/server"
)

// Responder 根据类别生成响应，*manager.Manager 满足该接口。
type Responder interface {
	Respond(ctx context.Context, class policy.Class, req *http.Request) (*manager.Outcome, error)
	Generation() string
}

// Handler 将 manager 的响应结果写回 Fiber，并输出结构化日志。
type Handler struct {
	responder Responder
	logger    *logrus.Logger
}

// NewHandler constructs a class handler backed by the cache manager.
func NewHandler(responder Responder, logger *logrus.Logger) *Handler {
	return &Handler{
		responder: responder,
		logger:    logger,
	}
}

// Serve 实现 ClassHandler。网络失败且无缓存时返回 502。
func (h *Handler) Serve(c fiber.Ctx, in *Intercepted) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	outcome, err := h.responder.Respond(ctx, in.Class, in.Request)
	if err != nil {
		h.logResult(in, 0, false, err)
		return h.writeError(c, in, fiber.StatusBadGateway, "upstream_failed")
	}

	resp := outcome.Response
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Erg-Cache-Class", string(outcome.Class))
	c.Set("X-Erg-Cache-Hit", boolHeader(outcome.CacheHit))
	c.Set("X-Erg-Generation", h.responder.Generation())
	setRequestIDHeader(c, in.RequestID)
	c.Status(resp.Status)

	h.logResult(&Intercepted{Class: outcome.Class, Request: in.Request, RequestID: in.RequestID, Started: in.Started},
		resp.Status, outcome.CacheHit, nil)

	if in.Request.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, in *Intercepted, status int, code string) error {
	c.Set("X-Erg-Cache-Class", string(in.Class))
	c.Set("X-Erg-Cache-Hit", "false")
	c.Set("X-Erg-Generation", h.responder.Generation())
	setRequestIDHeader(c, in.RequestID)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(in *Intercepted, status int, cacheHit bool, err error) {
	if h.logger == nil {
		return
	}
	profile := policy.ProfileFor(in.Class)
	fields := logging.RequestFields(
		h.responder.Generation(),
		string(in.Class),
		string(profile.Strategy),
		manager.RequestKey(in.Request.URL),
		cacheHit,
	)
	fields["action"] = "intercept"
	fields["method"] = in.Request.Method
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(in.Started).Milliseconds()
	if in.RequestID != "" {
		fields["request_id"] = in.RequestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

// buildInterceptedRequest 还原客户端视角的绝对 URL：scheme 取 X-Forwarded-Proto，
// 缺省使用应用来源的 scheme；host 优先取绝对形式请求行中的 host，否则取 Host 头。
func buildInterceptedRequest(c fiber.Ctx, origin *url.URL) (*http.Request, error) {
	if origin == nil {
		return nil, errors.New("origin not configured")
	}
	scheme := strings.ToLower(strings.TrimSpace(firstValue(c.Get("X-Forwarded-Proto"))))
	if scheme != "http" && scheme != "https" {
		scheme = origin.Scheme
	}
	host, path := requestTarget(c)
	if host == "" {
		host = server.HostHeader(c)
	}
	if host == "" {
		host = origin.Host
	}
	target, err := url.Parse(scheme + "://" + host + path)
	if err != nil {
		return nil, err
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	req.Header.Del("X-Forwarded-Proto")
	req.Host = target.Host
	return req, nil
}

// requestTarget 读取 fasthttp 解析后的路径与查询。请求行为 http://host/path 形式时
// 一并返回其中的 host，origin 形式返回空 host。
func requestTarget(c fiber.Ctx) (string, string) {
	uri := c.Request().URI()
	path := string(uri.RequestURI())
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if raw := c.Request().Header.RequestURI(); len(raw) > 0 && raw[0] != '/' {
		return string(uri.Host()), path
	}
	return "", path
}

func firstValue(header string) string {
	if idx := strings.IndexByte(header, ','); idx >= 0 {
		return header[:idx]
	}
	return header
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func boolHeader(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
