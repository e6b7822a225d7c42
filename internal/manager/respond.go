package manager

import (
	"context"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/erg-pwa/erg-cache/internal/cache"
	"github.com/erg-pwa/erg-cache/internal/logging"
	"github.com/erg-pwa/erg-cache/internal/policy"
)

// Outcome 是一次拦截的结果。
type Outcome struct {
	Class    policy.Class
	Response *cache.Response
	CacheHit bool
}

type fetchResult struct {
	resp *cache.Response
	err  error
}

// Respond 按类别的 Profile 生成响应。passthrough 与非 GET 请求直接走网络。
func (m *Manager) Respond(ctx context.Context, class policy.Class, req *http.Request) (*Outcome, error) {
	if req.Method != http.MethodGet {
		class = policy.ClassPassthrough
	}
	profile := m.profileFor(class)
	if !profile.Class.Cached() {
		profile = policy.ProfileFor(policy.ClassPassthrough)
	}
	switch profile.Strategy {
	case policy.StrategyStaleWhileRevalidate:
		return m.staleWhileRevalidate(ctx, profile, req)
	case policy.StrategyCacheFirst:
		return m.cacheFirst(ctx, profile, req)
	default:
		resp, err := m.fetch(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		return &Outcome{Class: profile.Class, Response: resp}, nil
	}
}

// staleWhileRevalidate 同时发起查找与网络请求：命中立即返回缓存，网络结果在后台回填；
// 未命中则等待网络结果，仅当 StoreOnMiss 时写入。
func (m *Manager) staleWhileRevalidate(ctx context.Context, profile policy.Profile, req *http.Request) (*Outcome, error) {
	class := profile.Class
	key := RequestKey(req.URL)
	name := m.BucketName(class)

	bucket, err := m.bucket(ctx, class)
	if err != nil {
		m.logger.WithError(err).
			WithFields(logging.LifecycleFields("intercept", m.generation, name)).
			Warn("bucket_open_failed")
	}

	results := make(chan fetchResult, 1)
	hit := make(chan bool, 1)
	detached := context.WithoutCancel(ctx)
	netReq := req.Clone(detached)
	m.extend(func() {
		resp, err := m.fetch(netReq)
		results <- fetchResult{resp: resp, err: err}
		if err != nil {
			m.logger.WithError(err).
				WithFields(logging.RequestFields(m.generation, string(class), string(profile.Strategy), key, false)).
				Warn("revalidate_failed")
			return
		}
		if bucket != nil && (<-hit || profile.StoreOnMiss) {
			m.fill(detached, bucket, key, resp)
		}
	})

	if bucket != nil {
		cached, err := bucket.Match(ctx, key)
		switch {
		case err == nil:
			hit <- true
			return &Outcome{Class: class, Response: cached, CacheHit: true}, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			m.logger.WithError(err).
				WithFields(logging.LifecycleFields("intercept", m.generation, name)).
				Warn("cache_match_failed")
		}
	}
	hit <- false

	select {
	case result := <-results:
		if result.err != nil {
			return nil, result.err
		}
		return &Outcome{Class: class, Response: result.resp.Clone()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fill 仅在 200 且正文为合法 JSON 时覆盖缓存条目。
func (m *Manager) fill(ctx context.Context, bucket cache.Bucket, key string, resp *cache.Response) {
	if !resp.OK() || !gjson.ValidBytes(resp.Body) {
		return
	}
	if err := bucket.Put(ctx, key, resp); err != nil {
		m.logger.WithError(err).
			WithFields(logging.LifecycleFields("intercept", m.generation, bucket.Name())).
			WithField("key", key).
			Warn("cache_put_failed")
	}
}

// cacheFirst 命中即返回；未命中时回源并返回，StoreOnMiss 时把 200 响应写入缓存。
func (m *Manager) cacheFirst(ctx context.Context, profile policy.Profile, req *http.Request) (*Outcome, error) {
	class := profile.Class
	key := RequestKey(req.URL)
	bucket, err := m.bucket(ctx, class)
	if err != nil {
		m.logger.WithError(err).
			WithFields(logging.LifecycleFields("intercept", m.generation, m.BucketName(class))).
			Warn("bucket_open_failed")
	} else {
		cached, err := bucket.Match(ctx, key)
		switch {
		case err == nil:
			return &Outcome{Class: class, Response: cached, CacheHit: true}, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			m.logger.WithError(err).
				WithFields(logging.LifecycleFields("intercept", m.generation, bucket.Name())).
				Warn("cache_match_failed")
		}
	}

	resp, err := m.fetch(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if profile.StoreOnMiss && bucket != nil && resp.OK() {
		if err := bucket.Put(ctx, key, resp); err != nil {
			m.logger.WithError(err).
				WithFields(logging.LifecycleFields("intercept", m.generation, bucket.Name())).
				WithField("key", key).
				Warn("cache_put_failed")
		}
	}
	return &Outcome{Class: class, Response: resp}, nil
}
