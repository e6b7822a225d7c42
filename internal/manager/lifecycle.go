package manager

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/erg-pwa/erg-cache/internal/cache"
	"github.com/erg-pwa/erg-cache/internal/logging"
	"github.com/erg-pwa/erg-cache/internal/policy"
)

// InstallReport 汇总一次预加载的结果，失败数量只做记录不影响安装。
type InstallReport struct {
	Bucket string
	Stored int
	Failed int
	Bytes  int64
}

// Install 预加载 shell 与 data 桶并发出立即接管信号。单个资源失败只记录告警。
func (m *Manager) Install(ctx context.Context) ([]InstallReport, error) {
	if err := m.transition(PhaseParsed, PhaseInstalling); err != nil {
		return nil, err
	}
	m.logger.WithFields(logging.LifecycleFields("install", m.generation, "")).Info("install_start")

	reports := []InstallReport{
		m.populate(ctx, policy.ClassShell, m.shellURLs),
		m.populate(ctx, policy.ClassData, m.dataURLs),
	}

	m.mu.Lock()
	m.skipWaiting = true
	m.phase = PhaseInstalled
	m.mu.Unlock()

	m.logger.WithFields(logging.LifecycleFields("install", m.generation, "")).Info("skip_waiting")
	return reports, nil
}

func (m *Manager) populate(ctx context.Context, class policy.Class, targets []*url.URL) InstallReport {
	name := m.BucketName(class)
	report := InstallReport{Bucket: name}

	bucket, err := m.bucket(ctx, class)
	if err != nil {
		m.logger.WithError(err).
			WithFields(logging.LifecycleFields("install", m.generation, name)).
			Warn("bucket_open_failed")
		report.Failed = len(targets)
		return report
	}

	var (
		stored atomic.Int64
		failed atomic.Int64
		bytes  atomic.Int64
	)
	var group errgroup.Group
	group.SetLimit(m.concurrency)
	for _, target := range targets {
		target := target
		group.Go(func() error {
			size, err := m.prefetch(ctx, bucket, target)
			if err != nil {
				failed.Add(1)
				m.logger.WithError(err).
					WithFields(logging.LifecycleFields("install", m.generation, name)).
					WithField("url", target.String()).
					Warn("prefetch_failed")
				return nil
			}
			stored.Add(1)
			bytes.Add(size)
			return nil
		})
	}
	_ = group.Wait()

	report.Stored = int(stored.Load())
	report.Failed = int(failed.Load())
	report.Bytes = bytes.Load()

	m.logger.WithFields(logging.LifecycleFields("install", m.generation, name)).
		WithFields(logrus.Fields{
			"stored": report.Stored,
			"failed": report.Failed,
			"size":   humanize.Bytes(uint64(report.Bytes)),
		}).Info("bucket_populated")
	return report
}

// prefetch 拉取单个资源，仅 200 响应写入桶。
func (m *Manager) prefetch(ctx context.Context, bucket cache.Bucket, target *url.URL) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.fetch(req)
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, &StatusError{URL: target.String(), Status: resp.Status}
	}
	if err := bucket.Put(ctx, RequestKey(target), resp); err != nil {
		return 0, err
	}
	return int64(len(resp.Body)), nil
}

// Activate 删除同前缀下所有非当前代际的桶，然后 claim 接管拦截。
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	if err := m.transition(PhaseInstalled, PhaseActivating); err != nil {
		return nil, err
	}
	fields := logging.LifecycleFields("activate", m.generation, "")

	var deleted []string
	names, err := m.store.Keys(ctx)
	if err != nil {
		m.logger.WithError(err).WithFields(fields).Warn("bucket_list_failed")
	}
	for _, name := range names {
		if !strings.HasPrefix(name, m.prefix) || m.IsCurrentBucket(name) {
			continue
		}
		ok, err := m.store.Delete(ctx, name)
		if err != nil {
			m.logger.WithError(err).
				WithFields(logging.LifecycleFields("activate", m.generation, name)).
				Warn("bucket_delete_failed")
			continue
		}
		if ok {
			deleted = append(deleted, name)
			m.logger.WithFields(logging.LifecycleFields("activate", m.generation, name)).Info("bucket_deleted")
		}
	}

	m.controlling.Store(true)
	m.setPhase(PhaseActivated)
	m.logger.WithFields(fields).WithField("deleted", len(deleted)).Info("clients_claimed")
	return deleted, nil
}

// BucketInfo 是诊断接口展示的单个桶信息。
type BucketInfo struct {
	Name    string
	Current bool
	Stats   cache.BucketStats
}

// Buckets 列出本应用前缀下的全部桶及其容量。
func (m *Manager) Buckets(ctx context.Context) ([]BucketInfo, error) {
	names, err := m.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]BucketInfo, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, m.prefix) {
			continue
		}
		bucket, err := m.store.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		stats, err := bucket.Stat(ctx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, BucketInfo{Name: name, Current: m.IsCurrentBucket(name), Stats: stats})
	}
	return infos, nil
}

// BucketKeys 返回指定桶的条目键；桶不存在或不属于本应用时 found 为 false。
func (m *Manager) BucketKeys(ctx context.Context, name string) (keys []string, found bool, err error) {
	if !strings.HasPrefix(name, m.prefix) {
		return nil, false, nil
	}
	names, err := m.store.Keys(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, existing := range names {
		if existing != name {
			continue
		}
		bucket, err := m.store.Open(ctx, name)
		if err != nil {
			return nil, false, err
		}
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return nil, false, err
		}
		return keys, true, nil
	}
	return nil, false, nil
}
