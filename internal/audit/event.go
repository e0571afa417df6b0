package audit

import "time"

// TopicLimitExceeded receives one event per request rejected by the rate limit policy.
const TopicLimitExceeded = "abuse.limit_exceeded"

// LimitExceededEvent represents a request that crossed a limit.
type LimitExceededEvent struct {
	Key         string    `json:"key"`
	Limit       int64     `json:"limit"`
	WindowStart time.Time `json:"windowStart"`
	Scope       string    `json:"scope"`
	ClientIP    string    `json:"clientIp"`
	UserAgent   string    `json:"userAgent"`
	RequestID   string    `json:"requestId,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}
