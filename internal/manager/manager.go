package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/erg-pwa/erg-cache/internal/cache"
	"github.com/erg-pwa/erg-cache/internal/logging"
	"github.com/erg-pwa/erg-cache/internal/policy"
)

// Phase 描述代际所处的生命周期阶段。
type Phase string

const (
	PhaseParsed     Phase = "parsed"
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActivated  Phase = "activated"
)

// ErrInvalidTransition 表示生命周期调用顺序错误，例如重复 Install 或未安装即 Activate。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Fetcher 执行真实的网络请求，*http.Client 与 server.UpstreamFetcher 均满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 描述一个代际的静态输入。
type Options struct {
	Generation         string
	CachePrefix        string
	Origin             *url.URL
	Scope              string
	ShellURLs          []string
	DataFiles          []string
	InstallConcurrency int
	// ProfileFor 决定每个类别的读写策略，缺省为 policy.ProfileFor。
	ProfileFor func(policy.Class) policy.Profile
}

// Manager 持有单个代际的状态，所有方法可并发调用。
type Manager struct {
	store   cache.Store
	fetcher Fetcher
	logger  *logrus.Logger

	generation  string
	prefix      string
	rules       policy.Rules
	shellURLs   []*url.URL
	dataURLs    []*url.URL
	concurrency int
	profileFor  func(policy.Class) policy.Profile

	mu          sync.Mutex
	phase       Phase
	skipWaiting bool
	buckets     map[policy.Class]cache.Bucket

	controlling atomic.Bool
	background  sync.WaitGroup
}

// New 校验代际与资源清单并返回处于 parsed 阶段的 Manager。
func New(store cache.Store, fetcher Fetcher, logger *logrus.Logger, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	generation := strings.TrimSpace(opts.Generation)
	if generation == "" {
		return nil, errors.New("generation required")
	}
	if opts.CachePrefix == "" || !strings.HasPrefix(generation, opts.CachePrefix) {
		return nil, fmt.Errorf("generation %q must start with cache prefix %q", generation, opts.CachePrefix)
	}

	rules, err := policy.NewRules(opts.Origin, opts.Scope, opts.ShellURLs, opts.DataFiles)
	if err != nil {
		return nil, err
	}
	base := scopeURL(rules.Origin(), opts.Scope)

	shellURLs := make([]*url.URL, 0, len(opts.ShellURLs))
	for _, raw := range opts.ShellURLs {
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse shell url %q: %w", raw, err)
		}
		shellURLs = append(shellURLs, base.ResolveReference(ref))
	}
	dataURLs := make([]*url.URL, 0, len(opts.DataFiles))
	for _, name := range opts.DataFiles {
		dataURLs = append(dataURLs, base.ResolveReference(&url.URL{Path: name}))
	}

	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	profileFor := opts.ProfileFor
	if profileFor == nil {
		profileFor = policy.ProfileFor
	}

	return &Manager{
		store:       store,
		fetcher:     fetcher,
		logger:      logger,
		generation:  generation,
		prefix:      opts.CachePrefix,
		rules:       rules,
		shellURLs:   shellURLs,
		dataURLs:    dataURLs,
		concurrency: concurrency,
		profileFor:  profileFor,
		phase:       PhaseParsed,
		buckets:     make(map[policy.Class]cache.Bucket),
	}, nil
}

func scopeURL(origin *url.URL, scope string) *url.URL {
	if scope == "" {
		scope = "/"
	}
	if !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: scope}
}

// Generation 返回当前代际标识。
func (m *Manager) Generation() string {
	return m.generation
}

// Prefix 返回本应用所有桶共享的命名前缀。
func (m *Manager) Prefix() string {
	return m.prefix
}

// Rules 返回与本代际资源清单一致的归类规则。
func (m *Manager) Rules() policy.Rules {
	return m.rules
}

// Phase 返回当前生命周期阶段。
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// SkipWaiting 表示 Install 是否已发出立即接管信号。
func (m *Manager) SkipWaiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipWaiting
}

// Controlling 表示 Activate 已完成 claim，拦截逻辑生效。
func (m *Manager) Controlling() bool {
	return m.controlling.Load()
}

// BucketName 返回当前代际指定类别的桶名。
func (m *Manager) BucketName(class policy.Class) string {
	return cache.BucketName(m.generation, string(class))
}

// IsCurrentBucket 判断桶名是否属于当前代际的 shell 或 data 桶。
func (m *Manager) IsCurrentBucket(name string) bool {
	return name == m.BucketName(policy.ClassShell) || name == m.BucketName(policy.ClassData)
}

func (m *Manager) transition(from, to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, m.phase)
	}
	m.phase = to
	return nil
}

func (m *Manager) setPhase(phase Phase) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
}

// bucket 返回当前代际的类别桶，首次访问时打开并缓存句柄。
func (m *Manager) bucket(ctx context.Context, class policy.Class) (cache.Bucket, error) {
	m.mu.Lock()
	b, ok := m.buckets[class]
	m.mu.Unlock()
	if ok {
		return b, nil
	}

	opened, err := m.store.Open(ctx, m.BucketName(class))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if existing, ok := m.buckets[class]; ok {
		opened = existing
	} else {
		m.buckets[class] = opened
	}
	m.mu.Unlock()
	return opened, nil
}

// extend 登记一段必须在进程退出前完成的后台工作。
func (m *Manager) extend(fn func()) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		fn()
	}()
}

// Wait 等待所有后台刷新完成，ctx 结束时提前返回。
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.WithFields(logging.LifecycleFields("wait", m.generation, "")).
			Warn("background_work_abandoned")
		return ctx.Err()
	}
}

// RequestKey 返回缓存条目键：路径加可选查询串。
func RequestKey(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}
