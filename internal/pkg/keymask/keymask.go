// Package keymask masks credential strings for logs and error payloads.
//
// Key 明文只允许落库和发往上游；任何日志、错误信息、导入回显都必须经过 Mask。
package keymask

const visiblePrefixLen = 8

// Mask keeps a short leading fragment and replaces the rest with an ellipsis.
// Strings short enough to carry no secret material are returned unchanged.
func Mask(key string) string {
	if len(key) <= visiblePrefixLen {
		return key
	}
	return key[:visiblePrefixLen] + "..."
}

// MaskAll masks every element of keys.
func MaskAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = Mask(k)
	}
	return out
}
