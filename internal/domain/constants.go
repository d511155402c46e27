package domain

// Derived key status constants, highest priority first.
const (
	KeyStatusInvalid   = "invalid"
	KeyStatusDisabled  = "disabled"
	KeyStatusExhausted = "exhausted"
	KeyStatusErroring  = "erroring"
	KeyStatusUnused    = "unused"
	KeyStatusNormal    = "normal"
)

// Invalid reason constants
const (
	InvalidReasonUnauthorized = "unauthorized"
)

const (
	// DefaultFailureThreshold 连续失败次数阈值，达到后 key 退出调度
	DefaultFailureThreshold = 3
	// DefaultMaxRetries 单次代理请求的最大尝试次数
	DefaultMaxRetries = 3
	// DefaultTotalQuota 新导入 key 的默认配额
	DefaultTotalQuota = 1000
)

// Tavily 的两个私有配额状态码：432（key 配额耗尽）、433（计划配额耗尽）
const (
	StatusKeyQuotaExceeded  = 432
	StatusPlanQuotaExceeded = 433
)

// IsQuotaStatusCode reports whether an upstream status belongs to the
// quota/rate class: the key is pinned to zero remaining quota until the next
// sync pass reconciles true usage.
func IsQuotaStatusCode(statusCode int) bool {
	switch statusCode {
	case 402, 429, StatusKeyQuotaExceeded, StatusPlanQuotaExceeded:
		return true
	default:
		return false
	}
}

// IsFailoverStatusCode reports whether an upstream status is a key-health
// signal that should demote the key and retry with another one. Everything
// else is relayed to the caller untouched.
func IsFailoverStatusCode(statusCode int) bool {
	return statusCode == 401 || IsQuotaStatusCode(statusCode)
}
