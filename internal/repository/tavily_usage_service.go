package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/Wei-Shaw/tavily2api/internal/config"
	"github.com/Wei-Shaw/tavily2api/internal/domain"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/httpclient"
	"github.com/Wei-Shaw/tavily2api/internal/service"

	"github.com/tidwall/gjson"
)

const usageResponseMaxBytes = 64 * 1024

// TavilyUsageService queries the upstream usage endpoint for a single key
// and maps the answer onto the sync outcomes.
type TavilyUsageService struct {
	baseURL string
	client  *http.Client
}

var _ service.TavilyUsageFetcher = (*TavilyUsageService)(nil)

func NewTavilyUsageService(cfg *config.TavilyConfig) *TavilyUsageService {
	return &TavilyUsageService{
		baseURL: cfg.BaseURL,
		client: httpclient.GetClient(httpclient.Options{
			Timeout:               cfg.RequestTimeout(),
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout(),
		}),
	}
}

// FetchUsage asks upstream for the key's authoritative usage numbers.
// 传输层失败以 error 返回，HTTP 层结果一律折叠进 UsageResult。
func (s *TavilyUsageService) FetchUsage(ctx context.Context, key string) (*service.UsageResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, usageResponseMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		usage, limit, ok := extractQuota(body)
		if !ok {
			return &service.UsageResult{Outcome: service.UsageUnverifiable}, nil
		}
		return &service.UsageResult{
			Outcome:  service.UsageOK,
			Usage:    usage,
			Limit:    limit,
			HasQuota: true,
		}, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return &service.UsageResult{Outcome: service.UsageUnauthorized}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return &service.UsageResult{Outcome: service.UsageRateLimited}, nil

	case resp.StatusCode == domain.StatusKeyQuotaExceeded || resp.StatusCode == domain.StatusPlanQuotaExceeded:
		// 耗尽响应有时仍带权威数字，能拿到就一并回传
		result := &service.UsageResult{Outcome: service.UsageExhausted}
		if usage, limit, ok := extractQuota(body); ok {
			result.Usage = usage
			result.Limit = limit
			result.HasQuota = true
		}
		return result, nil

	default:
		return &service.UsageResult{Outcome: service.UsageUnverifiable}, nil
	}
}

// extractQuota 从用量响应里取 usage/limit，兼容嵌在 key 对象下和平铺两种形态。
func extractQuota(body []byte) (usage, limit int64, ok bool) {
	usageField := gjson.GetBytes(body, "key.usage")
	if !usageField.Exists() {
		usageField = gjson.GetBytes(body, "usage")
	}
	limitField := gjson.GetBytes(body, "key.limit")
	if !limitField.Exists() {
		limitField = gjson.GetBytes(body, "limit")
	}
	if !usageField.Exists() || !limitField.Exists() {
		return 0, 0, false
	}
	return usageField.Int(), limitField.Int(), true
}
