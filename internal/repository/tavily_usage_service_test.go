package repository

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Wei-Shaw/tavily2api/internal/config"
	"github.com/Wei-Shaw/tavily2api/internal/service"
	"github.com/stretchr/testify/require"
)

func newUsageService(upstreamURL string) *TavilyUsageService {
	return NewTavilyUsageService(&config.TavilyConfig{
		BaseURL:                      upstreamURL,
		RequestTimeoutSeconds:        5,
		ResponseHeaderTimeoutSeconds: 5,
	})
}

func TestTavilyUsageService_FetchUsage_OK(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/usage", r.URL.Path)
		require.Equal(t, "Bearer tvly-AAAAAAAA", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":{"usage":250,"limit":1000},"account":{"plan":"dev"}}`))
	}))
	defer upstream.Close()

	result, err := newUsageService(upstream.URL).FetchUsage(context.Background(), "tvly-AAAAAAAA")
	require.NoError(t, err)
	require.Equal(t, service.UsageOK, result.Outcome)
	require.True(t, result.HasQuota)
	require.Equal(t, int64(250), result.Usage)
	require.Equal(t, int64(1000), result.Limit)
}

func TestTavilyUsageService_FetchUsage_FlatFields(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"usage":10,"limit":100}`))
	}))
	defer upstream.Close()

	result, err := newUsageService(upstream.URL).FetchUsage(context.Background(), "tvly-AAAAAAAA")
	require.NoError(t, err)
	require.Equal(t, service.UsageOK, result.Outcome)
	require.Equal(t, int64(10), result.Usage)
	require.Equal(t, int64(100), result.Limit)
}

func TestTavilyUsageService_FetchUsage_StatusMapping(t *testing.T) {
	cases := []struct {
		status  int
		outcome service.UsageOutcome
	}{
		{http.StatusUnauthorized, service.UsageUnauthorized},
		{http.StatusTooManyRequests, service.UsageRateLimited},
		{432, service.UsageExhausted},
		{433, service.UsageExhausted},
		{http.StatusInternalServerError, service.UsageUnverifiable},
	}
	for _, tc := range cases {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		result, err := newUsageService(upstream.URL).FetchUsage(context.Background(), "tvly-AAAAAAAA")
		require.NoError(t, err, "status %d", tc.status)
		require.Equal(t, tc.outcome, result.Outcome, "status %d", tc.status)
		upstream.Close()
	}
}

func TestTavilyUsageService_FetchUsage_OKWithoutNumbersIsUnverifiable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"account":{"plan":"dev"}}`))
	}))
	defer upstream.Close()

	result, err := newUsageService(upstream.URL).FetchUsage(context.Background(), "tvly-AAAAAAAA")
	require.NoError(t, err)
	require.Equal(t, service.UsageUnverifiable, result.Outcome)
}

func TestTavilyUsageService_FetchUsage_ExhaustedCarriesNumbersWhenPresent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(432)
		_, _ = w.Write([]byte(`{"key":{"usage":1000,"limit":1000}}`))
	}))
	defer upstream.Close()

	result, err := newUsageService(upstream.URL).FetchUsage(context.Background(), "tvly-AAAAAAAA")
	require.NoError(t, err)
	require.Equal(t, service.UsageExhausted, result.Outcome)
	require.True(t, result.HasQuota)
	require.Equal(t, int64(1000), result.Usage)
}

func TestTavilyUsageService_FetchUsage_TransportError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	_, err := newUsageService(upstream.URL).FetchUsage(context.Background(), "tvly-AAAAAAAA")
	require.Error(t, err)
}
