package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/erg-pwa/erg-cache/internal/cache"
	"github.com/erg-pwa/erg-cache/internal/manager"
	"github.com/erg-pwa/erg-cache/internal/server"
)

// recordingFetcher 以 path 为键返回固定正文，并记录收到的 URL。
type recordingFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	fail   bool
	seen   []string
}

func (f *recordingFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req.URL.String())
	if f.fail {
		return nil, errors.New("network unreachable")
	}
	body, ok := f.bodies[req.URL.Path]
	if !ok {
		return &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: http.NoBody, Request: req}, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}, "Connection": []string{"close"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

type proxyFixture struct {
	app     *fiber.App
	store   cache.Store
	fetcher *recordingFetcher
	mgr     *manager.Manager
}

func newProxyFixture(t *testing.T, activate bool) *proxyFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := cache.NewMemoryStore()
	fetcher := &recordingFetcher{bodies: map[string]string{
		"/":                          "<html>root</html>",
		"/index.html":                "<html>index</html>",
		"/air_monitoring_table.json": `{"rows":[]}`,
		"/app.js":                    "console.log(1)",
	}}
	origin, _ := url.Parse("https://erg.example.org")
	mgr, err := manager.New(store, fetcher, logger, manager.Options{
		Generation:         "erg-pwa-v3",
		CachePrefix:        "erg-pwa-",
		Origin:             origin,
		Scope:              "/",
		ShellURLs:          []string{"./", "./index.html"},
		DataFiles:          []string{"air_monitoring_table.json"},
		InstallConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if activate {
		if _, err := mgr.Install(context.Background()); err != nil {
			t.Fatalf("install: %v", err)
		}
		if _, err := mgr.Activate(context.Background()); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}

	forwarder := NewForwarder(mgr, NewHandler(mgr, logger), logger)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: forwarder, ListenPort: 5000})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &proxyFixture{app: app, store: store, fetcher: fetcher, mgr: mgr}
}

func (f *proxyFixture) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest("GET", target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHandlerServesShellFromCache(t *testing.T) {
	fx := newProxyFixture(t, true)
	fx.fetcher.mu.Lock()
	fx.fetcher.bodies["/index.html"] = "<html>changed</html>"
	fx.fetcher.mu.Unlock()

	resp, body := fx.get(t, "http://erg.example.org/index.html")
	if resp.StatusCode != fiber.StatusOK || body != "<html>index</html>" {
		t.Fatalf("expected cached shell, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Erg-Cache-Class") != "shell" || resp.Header.Get("X-Erg-Cache-Hit") != "true" {
		t.Fatalf("unexpected cache headers: %v", resp.Header)
	}
	if resp.Header.Get("X-Erg-Generation") != "erg-pwa-v3" {
		t.Fatalf("missing generation header")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id")
	}
}

func TestHandlerServesDataAndRefreshes(t *testing.T) {
	fx := newProxyFixture(t, true)
	fx.fetcher.mu.Lock()
	fx.fetcher.bodies["/air_monitoring_table.json"] = `{"rows":[1]}`
	fx.fetcher.mu.Unlock()

	resp, body := fx.get(t, "http://erg.example.org/air_monitoring_table.json")
	if body != `{"rows":[]}` || resp.Header.Get("X-Erg-Cache-Hit") != "true" {
		t.Fatalf("expected stale cached data first, got %s", body)
	}
	if err := fx.mgr.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	_, body = fx.get(t, "http://erg.example.org/air_monitoring_table.json")
	if body != `{"rows":[1]}` {
		t.Fatalf("expected refreshed data on next request, got %s", body)
	}
}

func TestHandlerPassesThroughBeforeClaim(t *testing.T) {
	fx := newProxyFixture(t, false)

	resp, body := fx.get(t, "http://erg.example.org/index.html")
	if resp.Header.Get("X-Erg-Cache-Class") != "passthrough" || body != "<html>index</html>" {
		t.Fatalf("expected passthrough before claim, got %s %s", resp.Header.Get("X-Erg-Cache-Class"), body)
	}
	names, _ := fx.store.Keys(context.Background())
	if len(names) != 0 {
		t.Fatalf("passthrough must not create buckets, got %v", names)
	}
}

func TestHandlerReturnsBadGatewayOnMissAndNetworkFailure(t *testing.T) {
	fx := newProxyFixture(t, false)
	if _, err := fx.mgr.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := fx.mgr.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	fx.fetcher.mu.Lock()
	fx.fetcher.fail = true
	fx.fetcher.mu.Unlock()

	resp, body := fx.get(t, "http://erg.example.org/app.js")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(body), &payload); err != nil || payload["error"] != "upstream_failed" {
		t.Fatalf("unexpected error body %s", body)
	}

	resp, body = fx.get(t, "http://erg.example.org/")
	if resp.StatusCode != fiber.StatusOK || body != "<html>root</html>" {
		t.Fatalf("cached shell should survive network failure, got %d %s", resp.StatusCode, body)
	}
}

func TestHandlerCrossOriginIsNotIntercepted(t *testing.T) {
	fx := newProxyFixture(t, true)

	resp, _ := fx.get(t, "http://cdn.example.org/air_monitoring_table.json")
	if resp.Header.Get("X-Erg-Cache-Class") != "passthrough" {
		t.Fatalf("cross-origin request classified as %s", resp.Header.Get("X-Erg-Cache-Class"))
	}
	if resp.Header.Get("X-Erg-Cache-Hit") != "false" {
		t.Fatalf("cross-origin request must not be served from cache")
	}
	fx.fetcher.mu.Lock()
	last := fx.fetcher.seen[len(fx.fetcher.seen)-1]
	fx.fetcher.mu.Unlock()
	if last != "https://cdn.example.org/air_monitoring_table.json" {
		t.Fatalf("expected request to target its own origin, got %s", last)
	}
}

func TestHandlerServesOriginFormRequest(t *testing.T) {
	fx := newProxyFixture(t, true)

	req := httptest.NewRequest("GET", "/index.html", nil)
	req.Host = "erg.example.org"
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<html>index</html>" || resp.Header.Get("X-Erg-Cache-Class") != "shell" {
		t.Fatalf("expected cached index page, got %s %s", resp.Header.Get("X-Erg-Cache-Class"), body)
	}
}

func TestHandlerKeepsPathOfAbsoluteRequestLine(t *testing.T) {
	fx := newProxyFixture(t, true)

	resp, body := fx.get(t, "http://erg.example.org/air_monitoring_table.json?lang=en")
	if resp.Header.Get("X-Erg-Cache-Class") != "data" || body != `{"rows":[]}` {
		t.Fatalf("expected data class, got %s %s", resp.Header.Get("X-Erg-Cache-Class"), body)
	}
	if err := fx.mgr.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	fx.fetcher.mu.Lock()
	last := fx.fetcher.seen[len(fx.fetcher.seen)-1]
	fx.fetcher.mu.Unlock()
	if last != "https://erg.example.org/air_monitoring_table.json?lang=en" {
		t.Fatalf("upstream saw %s", last)
	}
}
