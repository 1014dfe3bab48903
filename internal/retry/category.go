package retry

// Category classifies why a job attempt failed, driving the retry
// decision in §4.B.
type Category string

const (
	CategoryTransientNetwork  Category = "transient_network"
	CategoryUpstream5xx       Category = "upstream_5xx"
	CategoryUpstream4xx       Category = "upstream_4xx"
	CategoryRateLimited       Category = "rate_limited"
	CategoryInvalidInput      Category = "invalid_input"
	CategoryResourceExhausted Category = "resource_exhausted"
	CategoryInternal          Category = "internal"
)

// nonRetryable holds the categories that fail a job immediately,
// regardless of remaining attempts. upstream_4xx is non-retryable
// except for 408/429, which are classified as transient_network /
// rate_limited respectively by the caller before reaching this table.
var nonRetryable = map[Category]bool{
	CategoryInvalidInput: true,
	CategoryUpstream4xx:  true,
}

// IsRetryable reports whether a category may be retried at all (before
// consulting attempt/max-attempt bounds).
func IsRetryable(c Category) bool {
	return !nonRetryable[c]
}

// ClassifyHTTPStatus maps an upstream HTTP response to a category, per
// §6/§7. 408 and 429 are carved out of the general 4xx bucket because
// they are transient by nature (request timeout, rate limiting).
func ClassifyHTTPStatus(status int) Category {
	switch {
	case status == 429:
		return CategoryRateLimited
	case status == 408:
		return CategoryTransientNetwork
	case status >= 400 && status < 500:
		return CategoryUpstream4xx
	case status >= 500:
		return CategoryUpstream5xx
	default:
		return CategoryInternal
	}
}
