package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内存储，重启即丢失；测试与临时运行使用。
func NewMemoryStore() Store {
	return &memoryStore{buckets: make(map[string]map[string]*Response)}
}

type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*Response
}

type memoryBucket struct {
	store *memoryStore
	name  string
}

func (s *memoryStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string]*Response)
	}
	s.mu.Unlock()
	return &memoryBucket{store: s, name: name}, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.buckets[name]
	delete(s.buckets, name)
	return existed, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	resp, ok := b.store.buckets[b.name][key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("response required")
	}
	stored := resp.Clone()
	stored.StoredAt = storedAt(resp)

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	entries, ok := b.store.buckets[b.name]
	if !ok {
		// 桶已被删除（例如旧代际的后台刷新），重新创建以保持 Put 语义。
		entries = make(map[string]*Response)
		b.store.buckets[b.name] = entries
	}
	entries[key] = stored
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	entries := b.store.buckets[b.name]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *memoryBucket) Stat(ctx context.Context) (BucketStats, error) {
	if err := ctx.Err(); err != nil {
		return BucketStats{}, err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	var stats BucketStats
	for _, resp := range b.store.buckets[b.name] {
		stats.Entries++
		stats.Bytes += int64(len(resp.Body))
	}
	return stats, nil
}
