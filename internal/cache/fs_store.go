package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".entry"

// NewStore 以 basePath 为根目录构建磁盘桶存储，整站复用一份实例。
//
// 目录布局：
//
//	<StoragePath>/<bucket>/<sha256(key)>.entry
//
// 每个 entry 文件首行为 JSON 元数据（key/status/header/stored_at），其后为原始正文。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	store *fileStore
	name  string
	dir   string
}

type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) bucketDir(name string) (string, error) {
	if err := validateBucketName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidBucket, name)
	}
	return dir, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	f, err := os.Open(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil {
		return nil, err
	} else if info.IsDir() {
		return nil, ErrNotFound
	}

	reader := bufio.NewReader(f)
	meta, _, err := readMeta(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", key, err)
	}
	if meta.Key != key {
		// sha256 冲突或文件被替换，视为未命中。
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry body %s: %w", key, err)
	}

	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (b *fileBucket) Put(ctx context.Context, key string, resp *Response) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("response required")
	}

	unlock := b.store.lockEntry(b.name + "::" + key)
	defer unlock()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}

	metaLine, err := json.Marshal(entryMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt(resp),
	})
	if err != nil {
		return fmt.Errorf("encode entry meta: %w", err)
	}

	tempFile, err := os.CreateTemp(b.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(
		bytes.NewReader(metaLine),
		strings.NewReader("\n"),
		bytes.NewReader(resp.Body),
	)
	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, b.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.walk(ctx, func(meta entryMeta, _ int64) {
		keys = append(keys, meta.Key)
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fileBucket) Stat(ctx context.Context) (BucketStats, error) {
	var stats BucketStats
	err := b.walk(ctx, func(_ entryMeta, bodySize int64) {
		stats.Entries++
		stats.Bytes += bodySize
	})
	return stats, err
}

// walk 逐个读取 entry 元数据行，回调参数为元数据与正文字节数。
func (b *fileBucket) walk(ctx context.Context, fn func(meta entryMeta, bodySize int64)) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		meta, bodySize, err := statEntry(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		fn(meta, bodySize)
	}
	return nil
}

func (b *fileBucket) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func statEntry(path string) (entryMeta, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return entryMeta{}, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return entryMeta{}, 0, err
	}
	meta, metaSize, err := readMeta(bufio.NewReader(f))
	if err != nil {
		return entryMeta{}, 0, fmt.Errorf("read entry %s: %w", filepath.Base(path), err)
	}
	return meta, info.Size() - metaSize, nil
}

// readMeta 读取首行元数据，返回元数据及其占用的字节数（含换行符）。
func readMeta(reader *bufio.Reader) (entryMeta, int64, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, 0, fmt.Errorf("missing meta line: %w", err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, 0, fmt.Errorf("decode meta: %w", err)
	}
	return meta, int64(len(line)), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
