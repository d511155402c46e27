// Package httpclient 提供共享 HTTP 客户端池。
//
// 转发与用量同步都是高频出站调用；相同配置复用同一 http.Client，
// 复用 Transport 连接池，避免重复 TCP/TLS 握手。
package httpclient

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// Options 定义共享 HTTP 客户端的构建参数
type Options struct {
	Timeout               time.Duration // 请求总超时时间
	ResponseHeaderTimeout time.Duration // 等待响应头超时时间

	// 可选的连接池参数（不设置则使用默认值）
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
}

var sharedClients sync.Map

// GetClient 返回共享的 HTTP 客户端实例，相同配置复用同一客户端。
func GetClient(opts Options) *http.Client {
	key := buildClientKey(opts)
	if cached, ok := sharedClients.Load(key); ok {
		if client, ok := cached.(*http.Client); ok {
			return client
		}
	}

	client := buildClient(opts)
	actual, _ := sharedClients.LoadOrStore(key, client)
	if c, ok := actual.(*http.Client); ok {
		return c
	}
	return client
}

func buildClient(opts Options) *http.Client {
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	maxIdleConnsPerHost := opts.MaxIdleConnsPerHost
	if maxIdleConnsPerHost <= 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}

	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost, // 0 表示无限制
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
}

func buildClientKey(opts Options) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d",
		opts.Timeout.String(),
		opts.ResponseHeaderTimeout.String(),
		opts.MaxIdleConns,
		opts.MaxIdleConnsPerHost,
		opts.MaxConnsPerHost,
	)
}
