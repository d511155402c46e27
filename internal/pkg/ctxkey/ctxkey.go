// Package ctxkey centralizes the context keys shared across middleware.
package ctxkey

type contextKey string

const (
	// RequestID 请求级关联 ID
	RequestID contextKey = "request_id"
)
