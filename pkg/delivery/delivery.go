// Package delivery implements the Delivery Orchestrator (spec C11): the
// `delivery.v1` verb that composes the policy engine, driver registry,
// retry engine, rate-limit store, idempotency store, and evidence writer
// into a single outbound-send operation. It generalizes the teacher's
// receipts policy enforcer (pkg/receipts/policies/enforcer.go), which
// gates a single effect against a static policy table, into a pipeline
// that also dedupes, throttles, retries, and persists deterministic
// result_core/evidence artifacts for every attempt.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mova-agent/runtime/pkg/canonical"
	"github.com/mova-agent/runtime/pkg/contracts"
	"github.com/mova-agent/runtime/pkg/driver"
	"github.com/mova-agent/runtime/pkg/evidence"
	"github.com/mova-agent/runtime/pkg/idempotency"
	"github.com/mova-agent/runtime/pkg/policy"
	"github.com/mova-agent/runtime/pkg/ratelimit"
	"github.com/mova-agent/runtime/pkg/retry"
)

// Request is the caller-supplied input to delivery.v1.
type Request struct {
	TargetURL      string          `json:"target_url"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	SigningSecret  string          `json:"-"` // read by the caller from environment, never persisted here
}

// Result is delivery.v1's output: the deterministic core plus evidence paths.
type Result struct {
	Core         contracts.ResultCore
	EvidencePath string
	OutcomeCode  contracts.OutcomeCode
	Suppressed   bool
}

// Orchestrator holds the process-lifetime collaborators C11 composes.
type Orchestrator struct {
	Profile      contracts.PolicyProfile
	Drivers      *driver.Registry
	RateLimit    ratelimit.Store
	Idempotency  *idempotency.Store
	EvidenceRoot string

	RealSendArmed bool // env arming switch (OCP_ENABLE_REAL_SEND)
	RequireIdempotencyKey bool

	Clock func() time.Time

	// Logger receives the audit trail: one structured record per policy
	// decision and pipeline boundary. Never a package-level global —
	// callers construct it once in main and pass it down.
	Logger *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Deliver runs the 10-step pipeline in spec §4.11.
func (o *Orchestrator) Deliver(ctx context.Context, req Request) (Result, error) {
	now := o.Clock
	if now == nil {
		now = time.Now
	}

	requestID := uuid.NewString()
	runID := uuid.NewString()

	// Step 2: assert request shape.
	targetURL, err := url.Parse(req.TargetURL)
	if err != nil || targetURL.Host == "" {
		return o.badRequest(requestID, runID, "target_url is required and must be a valid URL")
	}
	if !hostAllowed(targetURL.Hostname(), o.Profile.AllowedTargets) {
		return o.policyDenied(requestID, runID, req.TargetURL, "host not in allowed_targets")
	}
	if int64(len(req.Payload)) > o.Profile.MaxPayloadBytes && o.Profile.MaxPayloadBytes > 0 {
		return o.badRequest(requestID, runID, "payload exceeds max_payload_bytes")
	}
	if o.Profile.RequireHMAC && req.SigningSecret == "" {
		return o.unauthorized(requestID, runID, "require_hmac is set but no signing secret was supplied")
	}
	if o.RequireIdempotencyKey && req.IdempotencyKey == "" {
		return o.outcomeOnly(requestID, runID, req.TargetURL, contracts.OutcomeMissingIdempotencyKey, "idempotency key required by policy")
	}

	// Step 3: inline policy engine — three rules, default deny.
	eng, err := policy.New()
	if err != nil {
		return Result{}, fmt.Errorf("delivery: build inline policy engine: %w", err)
	}
	hostAllow := hostAllowed(targetURL.Hostname(), o.Profile.AllowedTargets)
	hmacOK := !o.Profile.RequireHMAC || req.SigningSecret != ""
	eng.AddRule(policy.Rule{
		ID: "allow-real-send", Priority: 100, Action: policy.ActionAllow,
		Description: "arming switch + allow_real_send + host allowed",
		Predicate: func(map[string]any) (bool, error) {
			return o.RealSendArmed && o.Profile.AllowRealSend && hostAllow && hmacOK, nil
		},
	})
	eng.AddRule(policy.Rule{
		ID: "deny-host-not-allowed", Priority: 90, Action: policy.ActionDeny,
		Description: "host not allowed",
		Predicate:   func(map[string]any) (bool, error) { return !hostAllow, nil },
	})
	eng.AddRule(policy.Rule{
		ID: "deny-missing-hmac", Priority: 80, Action: policy.ActionDeny,
		Description: "require_hmac set, signing secret absent",
		Predicate:   func(map[string]any) (bool, error) { return !hmacOK, nil },
	})
	decision, _ := eng.Evaluate(nil)
	o.logger().Info("policy_decision", "request_id", requestID, "run_id", runID, "action", decision.Action, "rule_id", decision.RuleID, "target_host", targetURL.Hostname())
	if decision.Action != policy.ActionAllow {
		return o.policyDenied(requestID, runID, req.TargetURL, decision.Description)
	}

	// Step 4: create run evidence directory.
	evDir, err := evidence.CreateRunDir(o.EvidenceRoot, requestID, runID)
	if err != nil {
		return Result{}, fmt.Errorf("delivery: create run dir: %w", err)
	}

	// Step 5: body hash + host for keys.
	canonicalBody, err := canonical.JSON(json.RawMessage(req.Payload))
	if err != nil {
		return Result{}, fmt.Errorf("delivery: canonicalize payload: %w", err)
	}
	bodySHA := canonical.SHA256Hex(canonicalBody)
	rateLimitKey := ratelimit.Key(targetURL.Hostname(), targetURL.Path, "http_webhook_delivery_v1")

	// Step 6: idempotency.
	suppressed := false
	var originalEvidencePath string
	if req.IdempotencyKey != "" && o.Idempotency != nil {
		lookup := o.Idempotency.Check(req.IdempotencyKey, bodySHA)
		switch lookup.Outcome {
		case idempotency.OutcomeDuplicate:
			suppressed = true
			originalEvidencePath = lookup.Existing.FirstEvidencePath
		case idempotency.OutcomeConflict:
			o.logger().Warn("idempotency_decision", "request_id", requestID, "run_id", runID, "outcome", "conflict")
			return o.finish(requestID, runID, evDir, req, decision, false, contracts.OutcomeIdempotencyConflict, 0, nil, bodySHA, now())
		}
	}

	if suppressed {
		o.logger().Info("idempotency_decision", "request_id", requestID, "run_id", runID, "outcome", "duplicate_suppressed")
		return o.finishSuppressed(requestID, runID, evDir, req, decision, bodySHA, originalEvidencePath, now())
	}

	// Step 7: rate limit.
	if o.Profile.RateLimit.Enabled && o.RateLimit != nil {
		lastSent, has, _ := o.RateLimit.GetLastSent(ctx, rateLimitKey)
		evalResult := ratelimit.Evaluate(now().UnixMilli(), o.Profile.RateLimit.CooldownMs, lastSent, has)
		if !evalResult.Allowed {
			outcome := contracts.OutcomeThrottled
			if o.Profile.RateLimit.Strict {
				outcome = contracts.OutcomeThrottledStrict
			}
			o.logger().Warn("rate_limit_decision", "request_id", requestID, "run_id", runID, "outcome", outcome)
			return o.finish(requestID, runID, evDir, req, decision, false, outcome, 0, nil, bodySHA, now())
		}
	}

	// Step 8: send, directly or wrapped in C8 retry.
	attempts, outcomeCode, statusCode, delivered := o.send(ctx, req, evDir)
	o.logger().Info("delivery_finished", "request_id", requestID, "run_id", runID, "outcome_code", outcomeCode, "delivered", delivered, "status_code", statusCode, "attempts", len(attempts))

	// Step 9/10: persist and record.
	result, err := o.finish(requestID, runID, evDir, req, decision, delivered, outcomeCode, statusCode, attempts, bodySHA, now())
	if err != nil {
		return result, err
	}
	if delivered {
		if req.IdempotencyKey != "" && o.Idempotency != nil {
			_ = o.Idempotency.Record(ctx, req.IdempotencyKey, bodySHA, result.EvidencePath, now().UnixMilli())
		}
		if o.Profile.RateLimit.Enabled && o.RateLimit != nil {
			_ = o.RateLimit.SetLastSent(ctx, rateLimitKey, now().UnixMilli())
		}
	}
	return result, nil
}

func (o *Orchestrator) send(ctx context.Context, req Request, evDir string) ([]retry.Attempt, contracts.OutcomeCode, int, bool) {
	drv, err := o.Drivers.Resolve("http_webhook_delivery_v1", nil)
	if err != nil {
		return nil, contracts.OutcomeNetworkError, 0, false
	}

	op := func(ctx context.Context, attempt int) (retry.OperationResult, error) {
		out, execErr := drv.Execute(ctx, driver.Input{
			Payload:   req.Payload,
			TimeoutMs: o.Profile.TimeoutMs,
			Extra: map[string]any{
				"url":            req.TargetURL,
				"signing_secret": req.SigningSecret,
			},
		})
		if execErr != nil {
			return retry.OperationResult{Status: out.StatusCode}, execErr
		}
		return retry.OperationResult{Status: out.StatusCode, Value: out.Body}, nil
	}

	retryOnStatus := map[int]bool{}
	for _, s := range o.Profile.RetryOnStatus {
		retryOnStatus[s] = true
	}
	pol := retry.Policy{
		RetryEnabled:  o.Profile.RetryEnabled,
		MaxAttempts:   o.Profile.MaxAttempts,
		RetryOnStatus: retryOnStatus,
		BaseBackoffMs: o.Profile.BaseBackoffMs,
		MaxBackoffMs:  o.Profile.MaxBackoffMs,
	}
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}

	outcome := retry.Run(ctx, op, pol, nil)
	statusCode := 0
	if len(outcome.Attempts) > 0 {
		last := outcome.Attempts[len(outcome.Attempts)-1]
		if last.HTTPStatus != nil {
			statusCode = *last.HTTPStatus
		}
	}
	delivered := outcome.OutcomeCode == retry.OutcomeDelivered
	return outcome.Attempts, mapOutcome(outcome.OutcomeCode), statusCode, delivered
}

func mapOutcome(rc retry.OutcomeCode) contracts.OutcomeCode {
	switch rc {
	case retry.OutcomeDelivered:
		return contracts.OutcomeDelivered
	case retry.OutcomeRetryExhausted:
		return contracts.OutcomeRetryExhausted
	case retry.OutcomeNonRetryableHTTPStatus:
		return contracts.OutcomeNonRetryableHTTPStatus
	default:
		return contracts.OutcomeNetworkError
	}
}

func (o *Orchestrator) finish(
	requestID, runID, evDir string,
	req Request,
	decision policy.Decision,
	delivered bool,
	outcomeCode contracts.OutcomeCode,
	statusCode int,
	attempts []retry.Attempt,
	bodySHA string,
	ts time.Time,
) (Result, error) {
	var statusPtr *int
	if statusCode != 0 {
		statusPtr = &statusCode
	}
	core := contracts.ResultCore{
		RequestID:  requestID,
		RunID:      runID,
		DriverKind: "http_webhook_delivery_v1",
		TargetURL:  req.TargetURL,
		Delivered:  delivered,
		StatusCode: statusPtr,
		DryRun:     false,
	}

	ev := map[string]any{
		"policy_decision": decision,
		"profile_id":      o.Profile.ID,
		"target_host":     hostOf(req.TargetURL),
		"body_sha256":     bodySHA,
		"duration_ms":     0,
		"recorded_at":     ts,
		"suppressed":      false,
		"attempts":        attempts,
		"attempts_total":  len(attempts),
		"outcome_code":    outcomeCode,
	}

	if err := evidence.WriteArtifact(evDir, "request.json", req); err != nil {
		return Result{}, fmt.Errorf("delivery: write request.json: %w", err)
	}
	if err := evidence.WriteArtifact(evDir, "result_core.json", core); err != nil {
		return Result{}, fmt.Errorf("delivery: write result_core.json: %w", err)
	}
	if err := evidence.WriteArtifact(evDir, "evidence.json", ev); err != nil {
		return Result{}, fmt.Errorf("delivery: write evidence.json: %w", err)
	}

	return Result{
		Core:         core,
		EvidencePath: evidence.RunDir(o.EvidenceRoot, requestID, runID) + "/evidence.json",
		OutcomeCode:  outcomeCode,
	}, nil
}

func (o *Orchestrator) finishSuppressed(requestID, runID, evDir string, req Request, decision policy.Decision, bodySHA, originalEvidencePath string, ts time.Time) (Result, error) {
	core := contracts.ResultCore{
		RequestID:  requestID,
		RunID:      runID,
		DriverKind: "http_webhook_delivery_v1",
		TargetURL:  req.TargetURL,
		Delivered:  false,
		DryRun:     false,
	}
	ev := map[string]any{
		"policy_decision":         decision,
		"profile_id":              o.Profile.ID,
		"target_host":             hostOf(req.TargetURL),
		"body_sha256":             bodySHA,
		"recorded_at":             ts,
		"suppressed":              true,
		"original_evidence_path":  originalEvidencePath,
		"outcome_code":            contracts.OutcomeSuppressedDuplicate,
	}
	if err := evidence.WriteArtifact(evDir, "request.json", req); err != nil {
		return Result{}, fmt.Errorf("delivery: write request.json: %w", err)
	}
	if err := evidence.WriteArtifact(evDir, "result_core.json", core); err != nil {
		return Result{}, fmt.Errorf("delivery: write result_core.json: %w", err)
	}
	if err := evidence.WriteArtifact(evDir, "evidence.json", ev); err != nil {
		return Result{}, fmt.Errorf("delivery: write evidence.json: %w", err)
	}
	return Result{
		Core:         core,
		EvidencePath: evidence.RunDir(o.EvidenceRoot, requestID, runID) + "/evidence.json",
		OutcomeCode:  contracts.OutcomeSuppressedDuplicate,
		Suppressed:   true,
	}, nil
}

func (o *Orchestrator) badRequest(requestID, runID, reason string) (Result, error) {
	return Result{
		Core:        contracts.ResultCore{RequestID: requestID, RunID: runID, DriverKind: "http_webhook_delivery_v1"},
		OutcomeCode: contracts.OutcomeBadRequest,
	}, fmt.Errorf("bad_request: %s", reason)
}

func (o *Orchestrator) unauthorized(requestID, runID, reason string) (Result, error) {
	return Result{
		Core:        contracts.ResultCore{RequestID: requestID, RunID: runID, DriverKind: "http_webhook_delivery_v1"},
		OutcomeCode: contracts.OutcomeUnauthorized,
	}, fmt.Errorf("unauthorized: %s", reason)
}

func (o *Orchestrator) policyDenied(requestID, runID, targetURL, reason string) (Result, error) {
	return Result{
		Core:        contracts.ResultCore{RequestID: requestID, RunID: runID, DriverKind: "http_webhook_delivery_v1", TargetURL: targetURL},
		OutcomeCode: contracts.OutcomePolicyDenied,
	}, fmt.Errorf("policy_denied: %s", reason)
}

func (o *Orchestrator) outcomeOnly(requestID, runID, targetURL string, outcome contracts.OutcomeCode, reason string) (Result, error) {
	return Result{
		Core:        contracts.ResultCore{RequestID: requestID, RunID: runID, DriverKind: "http_webhook_delivery_v1", TargetURL: targetURL},
		OutcomeCode: outcome,
	}, fmt.Errorf("%s: %s", outcome, reason)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}
