package manager

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erg-pwa/erg-cache/internal/cache"
)

// StatusError 表示网络请求成功但状态码不可缓存。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// fetch 执行请求并读取完整正文，得到可直接写入桶或返回客户端的快照。
func (m *Manager) fetch(req *http.Request) (*cache.Response, error) {
	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", req.URL, err)
	}
	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}
