package contracts

// RateLimitPolicy configures the cooldown-based throttle for a destination.
type RateLimitPolicy struct {
	Enabled    bool  `json:"enabled"`
	CooldownMs int64 `json:"cooldown_ms"`
	Strict     bool  `json:"strict"`
}

// PolicyProfile is a named document configuring the delivery pipeline.
type PolicyProfile struct {
	ID              string          `json:"id"`
	AllowedTargets  []string        `json:"allowed_targets"`
	RequireHMAC     bool            `json:"require_hmac"`
	TimeoutMs       int64           `json:"timeout_ms"`
	MaxPayloadBytes int64           `json:"max_payload_bytes"`
	AllowRealSend   bool            `json:"allow_real_send"`
	RetryEnabled    bool            `json:"retry_enabled"`
	MaxAttempts     int             `json:"max_attempts"`
	RetryOnStatus   []int           `json:"retry_on_status"`
	BaseBackoffMs   int64           `json:"base_backoff_ms"`
	MaxBackoffMs    int64           `json:"max_backoff_ms"`
	RateLimit       RateLimitPolicy `json:"rate_limit"`
}

// OutcomeCode is the stable, finite vocabulary describing a delivery
// attempt's terminal state.
type OutcomeCode string

const (
	OutcomeDelivered              OutcomeCode = "DELIVERED"
	OutcomeSuppressedDuplicate    OutcomeCode = "SUPPRESSED_DUPLICATE"
	OutcomeIdempotencyConflict    OutcomeCode = "IDEMPOTENCY_CONFLICT"
	OutcomeMissingIdempotencyKey  OutcomeCode = "MISSING_IDEMPOTENCY_KEY"
	OutcomeThrottled              OutcomeCode = "THROTTLED"
	OutcomeThrottledStrict        OutcomeCode = "THROTTLED_STRICT"
	OutcomeRetryExhausted         OutcomeCode = "RETRY_EXHAUSTED"
	OutcomeNonRetryableHTTPStatus OutcomeCode = "NON_RETRYABLE_HTTP_STATUS"
	OutcomeNetworkError           OutcomeCode = "NETWORK_ERROR"
	OutcomePolicyDenied           OutcomeCode = "POLICY_DENIED"
	OutcomeBadRequest             OutcomeCode = "BAD_REQUEST"
	OutcomeUnauthorized           OutcomeCode = "UNAUTHORIZED"
)

// ResultCore is the deterministic subset of a delivery's result. It MUST
// NEVER carry timestamps, hashes, policy decisions, or latencies — those
// belong in evidence.json.
type ResultCore struct {
	RequestID  string `json:"request_id"`
	RunID      string `json:"run_id"`
	DriverKind string `json:"driver_kind"`
	TargetURL  string `json:"target_url"`
	Delivered  bool   `json:"delivered"`
	StatusCode *int   `json:"status_code,omitempty"`
	DryRun     bool   `json:"dry_run"`
}
