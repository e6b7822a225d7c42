package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Store 管理应用的全部命名桶。桶名遵循 {generation}-{class} 约定，由调用方拼接。
type Store interface {
	// Open 打开（不存在时创建）指定名称的桶。
	Open(ctx context.Context, name string) (Bucket, error)

	// Keys 返回当前存在的全部桶名，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个桶及其全部条目，返回桶此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Bucket 是一个隔离的 request-key → response 存储区。
type Bucket interface {
	Name() string

	// Match 返回 key 对应的缓存响应；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或覆盖 key 对应的响应，单次写入保证原子性。
	Put(ctx context.Context, key string, resp *Response) error

	// Keys 返回桶内全部 request key，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Stat 汇总条目数与正文总字节数，供诊断接口与安装日志使用。
	Stat(ctx context.Context) (BucketStats, error)
}

// Response 是一次响应的不可变快照：状态码、头部与完整正文。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回深拷贝，避免调用方修改已存储的快照。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
}

// OK 表示响应是否为可缓存的成功状态。
func (r *Response) OK() bool {
	return r != nil && r.Status == http.StatusOK
}

// BucketStats 描述单个桶的容量信息。
type BucketStats struct {
	Entries int
	Bytes   int64
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucket 表示桶名为空或包含非法字符。
	ErrInvalidBucket = errors.New("invalid bucket name")
	// ErrInvalidKey 表示 request key 为空。
	ErrInvalidKey = errors.New("invalid request key")
)

// BucketName 拼接 {generation}-{class} 形式的桶名。
func BucketName(generation, class string) string {
	return generation + "-" + class
}

func validateBucketName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidBucket)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %s", ErrInvalidBucket, name)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

func storedAt(resp *Response) time.Time {
	if resp.StoredAt.IsZero() {
		return time.Now().UTC()
	}
	return resp.StoredAt.UTC()
}
