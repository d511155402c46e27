package service

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Wei-Shaw/tavily2api/internal/config"
	"github.com/Wei-Shaw/tavily2api/internal/domain"
	"github.com/Wei-Shaw/tavily2api/internal/metrics"
	infraerrors "github.com/Wei-Shaw/tavily2api/internal/pkg/errors"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/httpclient"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/keymask"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/logger"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var ErrPoolExhausted = infraerrors.ServiceUnavailable("POOL_EXHAUSTED", "all keys exhausted or unavailable")

// allowedForwardHeaders 转发时放行的入站请求头白名单。
// 其余一律丢弃：既不泄露调用方网络身份（X-Forwarded-For、X-Real-IP 等），
// 也不把边缘路由头带给公网上游。
var allowedForwardHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"User-Agent",
}

// hop-by-hop 头不随响应回传
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

const failureBodyPreviewBytes = 2048

// GatewayService owns the retrying relay loop: pick a key, forward the
// request, demote the key on key-health failures, and retry with another.
type GatewayService struct {
	keys     *KeyService
	selector *KeySelector
	cfg      *config.Config
	client   *http.Client
}

func NewGatewayService(keys *KeyService, selector *KeySelector, cfg *config.Config) *GatewayService {
	client := httpclient.GetClient(httpclient.Options{
		Timeout:               cfg.Tavily.RequestTimeout(),
		ResponseHeaderTimeout: cfg.Tavily.ResponseHeaderTimeout(),
	})
	return &GatewayService{
		keys:     keys,
		selector: selector,
		cfg:      cfg,
		client:   client,
	}
}

// Relay forwards the inbound request to the upstream path, retrying across
// pool keys on failover-class outcomes, bounded by tavily.max_retries.
//
// 入站凭证（如果有）在这里被丢弃，出站统一携带池里选出的 key。
// 成功与非 failover 错误的响应原样流式回传，不缓冲不改写。
func (s *GatewayService) Relay(c *gin.Context, upstreamPath string) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	// 重试需要重放请求体，必须先有界缓存
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxRequestBodySize))
	if err != nil {
		response.Error(c, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	maxAttempts := s.cfg.Tavily.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		key, err := s.selector.Select(ctx)
		if err != nil {
			if errors.Is(err, ErrNoAvailableKey) {
				// 池子空了不消耗尝试次数，直接给出可区分的 503
				metrics.RelayRequestsTotal.WithLabelValues("pool_exhausted").Inc()
				log.Warn("relay rejected: no available key in pool")
				response.ErrorFrom(c, ErrNoAvailableKey)
				return
			}
			log.Error("key selection failed", zap.Error(err))
			response.Error(c, http.StatusInternalServerError, "key selection failed")
			return
		}

		req, err := s.buildUpstreamRequest(c, upstreamPath, key.Key, body)
		if err != nil {
			log.Error("build upstream request failed", zap.Error(err))
			response.Error(c, http.StatusInternalServerError, "build upstream request failed")
			return
		}

		resp, err := s.client.Do(req)
		if err != nil {
			// 调用方取消时中止在途调用且不再重试
			if ctx.Err() != nil {
				metrics.RelayRequestsTotal.WithLabelValues("canceled").Inc()
				log.Info("relay aborted by caller", zap.Error(ctx.Err()))
				return
			}
			s.keys.HandleTransportFailure(ctx, key.Key, err)
			metrics.FailoversTotal.WithLabelValues("transport").Inc()
			log.Warn("upstream transport failure, retrying with another key",
				zap.String("key", keymask.Mask(key.Key)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			s.keys.HandleSuccess(ctx, key.Key)
			metrics.RelayRequestsTotal.WithLabelValues("success").Inc()
			relayResponse(c, resp)
			return
		}

		if domain.IsFailoverStatusCode(resp.StatusCode) {
			// failover 响应体在内部消费，不回传给调用方
			preview := readBodyPreview(resp.Body)
			_ = resp.Body.Close()
			s.keys.HandleFailure(ctx, key.Key, resp.StatusCode, preview)
			metrics.FailoversTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
			log.Warn("upstream failover error, retrying with another key",
				zap.String("key", keymask.Mask(key.Key)),
				zap.Int("status_code", resp.StatusCode),
				zap.Int("attempt", attempt),
			)
			continue
		}

		// 其余 4xx/5xx 视为调用方或请求本身的问题：原样回传，不计 key 健康，不重试
		metrics.RelayRequestsTotal.WithLabelValues("passthrough_error").Inc()
		relayResponse(c, resp)
		return
	}

	metrics.RelayRequestsTotal.WithLabelValues("retries_exhausted").Inc()
	log.Warn("relay failed: retries exhausted", zap.Int("attempts", maxAttempts))
	response.ErrorFrom(c, ErrPoolExhausted)
}

func (s *GatewayService) buildUpstreamRequest(c *gin.Context, upstreamPath, key string, body []byte) (*http.Request, error) {
	target := s.cfg.Tavily.BaseURL + upstreamPath
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for _, h := range allowedForwardHeaders {
		if v := c.GetHeader(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return req, nil
}

// relayResponse 把上游响应原样流式回传：状态、头、体都不改写。
func relayResponse(c *gin.Context, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	header := c.Writer.Header()
	for name, values := range resp.Header {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	c.Status(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}

func readBodyPreview(r io.Reader) string {
	preview, _ := io.ReadAll(io.LimitReader(r, failureBodyPreviewBytes))
	return strings.TrimSpace(string(preview))
}
