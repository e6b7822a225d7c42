package proxy

import (
	"bytes"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/erg-pwa/erg-cache/internal/policy"
	"github.com/erg-pwa/erg-cache/internal/server"
)

type staticController struct {
	rules       policy.Rules
	controlling bool
}

func (s staticController) Rules() policy.Rules { return s.rules }
func (s staticController) Controlling() bool   { return s.controlling }

func testRules(t *testing.T) policy.Rules {
	t.Helper()
	origin, _ := url.Parse("https://erg.example.org")
	rules, err := policy.NewRules(origin, "/", []string{"./", "./index.html"}, []string{"air_monitoring_table.json"})
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return rules
}

func acquireCtx(t *testing.T, app *fiber.App, uri, host string) fiber.Ctx {
	t.Helper()
	fctx := new(fasthttp.RequestCtx)
	fctx.Request.SetRequestURI(uri)
	fctx.Request.Header.SetHost(host)
	fctx.Request.Header.SetMethod(fiber.MethodGet)
	return app.AcquireCtx(fctx)
}

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := acquireCtx(t, app, "/index.html", "erg.example.org")
	defer app.ReleaseCtx(ctx)
	server.SetRequestID(ctx, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(staticController{rules: testRules(t), controlling: true}, nil, logger)
	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "class_handler_missing") {
		t.Fatalf("expected error body to mention class_handler_missing, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "class_handler_missing") {
		t.Fatalf("expected log to mention class_handler_missing, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := acquireCtx(t, app, "/index.html", "erg.example.org")
	defer app.ReleaseCtx(ctx)
	server.SetRequestID(ctx, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(staticController{rules: testRules(t), controlling: true}, nil, logger)
	forwarder.Register(policy.ClassShell, ClassHandlerFunc(func(fiber.Ctx, *Intercepted) error {
		panic("boom")
	}))

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "class_handler_panic") {
		t.Fatalf("expected error body to mention class_handler_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "panic-req") {
		t.Fatalf("expected log to include panic request id, got %s", logBuf.String())
	}
}

func TestForwarderClassifiesOnlyAfterClaim(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	cases := []struct {
		controlling bool
		uri         string
		host        string
		want        policy.Class
	}{
		{controlling: false, uri: "/index.html", host: "erg.example.org", want: policy.ClassPassthrough},
		{controlling: true, uri: "/index.html", host: "erg.example.org", want: policy.ClassShell},
		{controlling: true, uri: "/data/air_monitoring_table.json?v=1", host: "erg.example.org", want: policy.ClassData},
		{controlling: true, uri: "/air_monitoring_table.json", host: "cdn.example.org", want: policy.ClassPassthrough},
		{controlling: true, uri: "/app.js", host: "erg.example.org", want: policy.ClassPassthrough},
	}
	for _, tc := range cases {
		ctx := acquireCtx(t, app, tc.uri, tc.host)
		var got *Intercepted
		forwarder := NewForwarder(staticController{rules: testRules(t), controlling: tc.controlling},
			ClassHandlerFunc(func(c fiber.Ctx, in *Intercepted) error {
				got = in
				return c.SendStatus(fiber.StatusNoContent)
			}), nil)
		if err := forwarder.Handle(ctx); err != nil {
			t.Fatalf("handle %s: %v", tc.uri, err)
		}
		app.ReleaseCtx(ctx)
		if got == nil || got.Class != tc.want {
			t.Fatalf("%s%s (controlling=%v): expected %s, got %+v", tc.host, tc.uri, tc.controlling, tc.want, got)
		}
		if got.Request.URL.Scheme != "https" {
			t.Fatalf("expected origin scheme by default, got %s", got.Request.URL.Scheme)
		}
	}
}

func TestForwardedProtoOverridesScheme(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := acquireCtx(t, app, "/index.html", "erg.example.org")
	defer app.ReleaseCtx(ctx)
	ctx.Request().Header.Set("X-Forwarded-Proto", "http")

	var got *Intercepted
	forwarder := NewForwarder(staticController{rules: testRules(t), controlling: true},
		ClassHandlerFunc(func(c fiber.Ctx, in *Intercepted) error {
			got = in
			return nil
		}), nil)
	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got.Class != policy.ClassPassthrough || got.Request.URL.String() != "http://erg.example.org/index.html" {
		t.Fatalf("plain http request must not match https origin, got %s %s", got.Class, got.Request.URL)
	}
}

func TestForwarderRebuildsURLFromRequestLine(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	cases := []struct {
		uri  string
		host string
		want string
		kind policy.Class
	}{
		{uri: "/index.html", host: "erg.example.org", want: "https://erg.example.org/index.html", kind: policy.ClassShell},
		{uri: "/air_monitoring_table.json?v=2", host: "erg.example.org", want: "https://erg.example.org/air_monitoring_table.json?v=2", kind: policy.ClassData},
		{uri: "http://erg.example.org/air_monitoring_table.json?v=2", host: "erg.example.org", want: "https://erg.example.org/air_monitoring_table.json?v=2", kind: policy.ClassData},
		{uri: "http://erg.example.org/index.html", host: "proxy.local:5000", want: "https://erg.example.org/index.html", kind: policy.ClassShell},
		{uri: "http://cdn.example.org/lib/app.js", host: "cdn.example.org", want: "https://cdn.example.org/lib/app.js", kind: policy.ClassPassthrough},
	}
	for _, tc := range cases {
		ctx := acquireCtx(t, app, tc.uri, tc.host)
		var got *Intercepted
		forwarder := NewForwarder(staticController{rules: testRules(t), controlling: true},
			ClassHandlerFunc(func(c fiber.Ctx, in *Intercepted) error {
				got = in
				return c.SendStatus(fiber.StatusNoContent)
			}), nil)
		if err := forwarder.Handle(ctx); err != nil {
			t.Fatalf("handle %s: %v", tc.uri, err)
		}
		app.ReleaseCtx(ctx)
		if got == nil {
			t.Fatalf("%s: handler not called", tc.uri)
		}
		if got.Request.URL.String() != tc.want || got.Class != tc.kind {
			t.Fatalf("%s: expected %s (%s), got %s (%s)", tc.uri, tc.want, tc.kind, got.Request.URL, got.Class)
		}
		if got.Request.Host != got.Request.URL.Host {
			t.Fatalf("%s: request host %s does not match url host %s", tc.uri, got.Request.Host, got.Request.URL.Host)
		}
	}
}
