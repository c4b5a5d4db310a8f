package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/offline-cache/internal/cache"
)

// Fetcher 执行一次到源站的网络请求。调用方负责关闭返回的 Body。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// FetchError 表示网络层失败（连接、超时、读取 Body），不包含非 200 状态码。
type FetchError struct {
	Method string
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError 判断 err 链中是否包含 FetchError。
func IsFetchError(err error) bool {
	var target *FetchError
	return errors.As(err, &target)
}

// ClientFetcher 基于 http.Client 实现 Fetcher。
type ClientFetcher struct {
	client *http.Client
}

// NewFetcher 包装共享 http.Client；client 为 nil 时使用 http.DefaultClient。
func NewFetcher(client *http.Client) *ClientFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &ClientFetcher{client: client}
}

// Fetch 发送请求，任何传输错误都会包装为 *FetchError。
func (f *ClientFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx != nil && ctx != req.Context() {
		req = req.WithContext(ctx)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

// Snapshot 一次性读完并关闭 resp.Body，返回可独立复制的响应快照。
func Snapshot(resp *http.Response) (*cache.StoredResponse, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		var method, target string
		if resp.Request != nil {
			method = resp.Request.Method
			target = resp.Request.URL.String()
		}
		return nil, &FetchError{Method: method, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	// 快照已完整读入内存，原始长度与编码描述不再适用
	header.Del("Content-Length")

	return &cache.StoredResponse{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Resolve 将请求路径与查询串拼接到源站地址上。
func Resolve(origin *url.URL, path, rawQuery string) *url.URL {
	if path == "" {
		path = "/"
	}
	relative := &url.URL{Path: path}
	if rawQuery != "" {
		relative.RawQuery = rawQuery
	}
	if origin == nil {
		return relative
	}
	resolved := *origin
	resolved.Path = joinPath(origin.Path, relative.Path)
	resolved.RawPath = ""
	resolved.RawQuery = relative.RawQuery
	resolved.Fragment = ""
	return &resolved
}

func joinPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}
