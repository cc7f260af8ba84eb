// Package interpreter implements the Plan Interpreter (spec C5): it
// validates the boundary artifacts, then walks a Plan's steps in order,
// enforcing policy and budget at each step and persisting evidence and
// episodes as it goes. It generalizes the teacher's effect executor
// (pkg/executor) — which resolves a ToolDriver per effect and records a
// signed Receipt — to this spec's schema-validated, policy-gated,
// episode-emitting step loop, with no concurrency between steps.
package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mova-agent/runtime/pkg/budget"
	"github.com/mova-agent/runtime/pkg/contracts"
	"github.com/mova-agent/runtime/pkg/driver"
	"github.com/mova-agent/runtime/pkg/episode"
	"github.com/mova-agent/runtime/pkg/evidence"
	"github.com/mova-agent/runtime/pkg/policy"
	"github.com/mova-agent/runtime/pkg/schema"
)

// RunInput bundles everything run_plan needs.
type RunInput struct {
	Request            contracts.RequestEnvelope
	Plan               contracts.Plan
	ToolPool           contracts.ToolPool
	InstructionProfile *contracts.InstructionProfile
	BudgetContract     *budget.Contract
}

// RunSummary is the interpreter's terminal result.
type RunSummary struct {
	Success    bool           `json:"success"`
	RunID      string         `json:"run_id"`
	RequestID  string         `json:"request_id"`
	Error      string         `json:"error,omitempty"`
	StepCount  int            `json:"step_count"`
	FatalStep  string         `json:"fatal_step,omitempty"`
	StepStatus map[string]any `json:"step_status,omitempty"`
}

// Interpreter is the C5 orchestrator, holding the process-lifetime
// collaborators (schema registry, policy engine, driver registry).
type Interpreter struct {
	Schemas  *schema.Registry
	Policy   *policy.Engine
	Drivers  *driver.Registry

	EvidenceRoot string
	Clock        func() time.Time

	// Logger receives the audit trail: one structured record per policy
	// decision and step boundary, alongside (not instead of) the episode
	// writer's persisted artifacts. Never a package-level global — callers
	// construct it once in main and pass it down.
	Logger *slog.Logger
}

// New builds an Interpreter from its process-lifetime collaborators.
func New(schemas *schema.Registry, pol *policy.Engine, drivers *driver.Registry, evidenceRoot string) *Interpreter {
	return &Interpreter{
		Schemas:      schemas,
		Policy:       pol,
		Drivers:      drivers,
		EvidenceRoot: evidenceRoot,
		Clock:        time.Now,
		Logger:       slog.Default(),
	}
}

func (in *Interpreter) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

// RunPlan executes the lifecycle in spec §4.5: validate, create run
// evidence, walk steps, and emit a final run summary episode.
func (in *Interpreter) RunPlan(ctx context.Context, input RunInput) (RunSummary, error) {
	if ok, errs := in.validateArtifacts(input); !ok {
		return RunSummary{Success: false, Error: "validation_failed: " + strings.Join(errs, "; ")}, nil
	}

	runID := uuid.NewString()
	requestID := uuid.NewString()
	evDir, err := evidence.CreateRunDir(in.EvidenceRoot, requestID, runID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("interpreter: create run dir: %w", err)
	}

	in.logger().Info("run_started", "run_id", runID, "request_id", requestID, "step_count", len(input.Plan.Payload.Steps))

	_ = evidence.WriteArtifact(evDir, "plan.envelope.json", input.Plan)
	_ = evidence.WriteArtifact(evDir, "tool_pool.resolved.json", input.ToolPool)
	if input.InstructionProfile != nil {
		_ = evidence.WriteArtifact(evDir, "instruction_profile.resolved.json", input.InstructionProfile)
	}
	if input.Request != nil {
		_ = evidence.WriteArtifact(evDir, "request.envelope.json", input.Request)
	}

	enforcer := budget.New(input.BudgetContract)
	epw := episode.New(in.Schemas, requestID, runID, evDir, in.Clock)

	summary := RunSummary{RunID: runID, RequestID: requestID, StepCount: len(input.Plan.Payload.Steps), StepStatus: map[string]any{}}

	stepOutputs := map[string]json.RawMessage{}
	fatal := false
	hasFatalSecurityEvent := false

	for _, step := range input.Plan.Payload.Steps {
		status, stepErr := in.runStep(ctx, &step, &input, stepOutputs, enforcer, epw, requestID, runID, evDir, &hasFatalSecurityEvent)
		summary.StepStatus[step.ID] = status
		if stepErr != nil {
			if step.EffectiveOnError() == contracts.OnErrorFatal {
				fatal = true
				summary.FatalStep = step.ID
				summary.Error = stepErr.Error()
				break
			}
			continue
		}
	}

	// §7: any security event of severity >= high forces the run to a
	// failed terminal status, even when the step that raised it was
	// allowed to continue as on_error=soft.
	summary.Success = !fatal && !hasFatalSecurityEvent
	in.logger().Info("run_finished", "run_id", runID, "request_id", requestID, "success", summary.Success, "fatal_step", summary.FatalStep)
	in.writeRunSummary(evDir, summary)
	_, _ = epw.WriteExecution(ctx, contracts.Episode{
		EpisodeType:   "execution_run_summary",
		ResultStatus:  terminalStatus(summary.Success),
		ResultSummary: fmt.Sprintf("%d steps, success=%v", summary.StepCount, summary.Success),
	})

	return summary, nil
}

func terminalStatus(success bool) contracts.ResultStatus {
	if success {
		return contracts.StatusCompleted
	}
	return contracts.StatusFailed
}

type stepResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (in *Interpreter) runStep(
	ctx context.Context,
	step *contracts.Step,
	input *RunInput,
	stepOutputs map[string]json.RawMessage,
	enforcer *budget.InMemory,
	epw *episode.Writer,
	requestID, runID, evDir string,
	hasFatalSecurityEvent *bool,
) (stepResult, error) {
	in.logger().Info("step_started", "run_id", runID, "request_id", requestID, "step_id", step.ID, "connector_id", step.ConnectorID)

	// a. Resolve input.
	resolvedInput, err := resolveInput(step, stepOutputs)
	if err != nil {
		in.recordSecurityEvent(ctx, epw, contracts.ErrExecutionError, err.Error(), hasFatalSecurityEvent)
		return stepResult{Status: "failed", Reason: err.Error()}, err
	}

	// c. Enforce policy: the fixed §4.4 checks, then any operator-supplied
	// rules layered onto the engine (additional deny/log rules on top of
	// the built-in default-deny baseline).
	eval := policy.EvaluateStep(step, &input.ToolPool, input.InstructionProfile)
	if eval.Decision.Action == policy.ActionDeny {
		in.logger().Warn("policy_decision", "run_id", runID, "step_id", step.ID, "action", "deny", "err_kind", eval.ErrKind, "reason", eval.Decision.Description)
		in.recordSecurityEvent(ctx, epw, contracts.ErrorKind(eval.ErrKind), eval.Decision.Description, hasFatalSecurityEvent)
		err := fmt.Errorf("%s: %s", eval.ErrKind, eval.Decision.Description)
		return stepResult{Status: "failed", Reason: eval.Decision.Description}, err
	}
	if in.Policy != nil && in.Policy.HasCustomRules() {
		tool, _ := input.ToolPool.Lookup(step.ConnectorID)
		decision, _ := in.Policy.Evaluate(map[string]any{
			"step":      stepToCELMap(step),
			"tool":      tool,
			"profile":   input.InstructionProfile,
			"pool_size": len(input.ToolPool.Tools),
		})
		if decision.Action == policy.ActionDeny {
			in.logger().Warn("policy_decision", "run_id", runID, "step_id", step.ID, "action", "deny", "rule_id", decision.RuleID, "reason", decision.Description)
			in.recordSecurityEvent(ctx, epw, contracts.ErrValidationFailed, decision.Description, hasFatalSecurityEvent)
			return stepResult{Status: "failed", Reason: decision.Description}, fmt.Errorf("policy_denied: %s", decision.Description)
		}
	}

	// d. Budget check (model call).
	if ok, _, reason := enforcer.ConsumeModelCall(); !ok {
		in.recordSecurityEvent(ctx, epw, contracts.ErrResourceBudgetExceeded, reason, hasFatalSecurityEvent)
		return stepResult{Status: "failed", Reason: reason}, fmt.Errorf("resource_budget_exceeded: %s", reason)
	}

	// e. Resolve driver.
	tool, _ := input.ToolPool.Lookup(step.ConnectorID)
	drv, err := in.Drivers.Resolve(tool.Binding.DriverKind, nil)
	if err != nil {
		in.recordSecurityEvent(ctx, epw, contracts.ErrHandlerNotFound, err.Error(), hasFatalSecurityEvent)
		return stepResult{Status: "failed", Reason: err.Error()}, err
	}

	// f. Execute.
	timeoutMs := int64(30_000)
	if tool.Binding.Limits.TimeoutMs != nil {
		timeoutMs = *tool.Binding.Limits.TimeoutMs
	}
	out, execErr := drv.Execute(ctx, driver.Input{
		ConnectorID: step.ConnectorID,
		Verb:        step.Verb,
		Payload:     resolvedInput,
		TimeoutMs:   timeoutMs,
		Extra:       extractExtra(resolvedInput),
	})
	if execErr != nil {
		in.recordSecurityEvent(ctx, epw, contracts.ErrExecutionError, execErr.Error(), hasFatalSecurityEvent)
		return stepResult{Status: "failed", Reason: execErr.Error()}, execErr
	}

	// g. Byte cap.
	if ok, _, reason := enforcer.ConsumeToolBytes(int64(len(out.Body))); !ok {
		in.recordSecurityEvent(ctx, epw, contracts.ErrResourceBudgetExceeded, reason, hasFatalSecurityEvent)
		return stepResult{Status: "failed", Reason: reason}, fmt.Errorf("resource_budget_exceeded: %s", reason)
	}

	// h. Output schema validation.
	if tool.Binding.SchemaRefs.Output != "" && in.Schemas != nil {
		result, _ := in.Schemas.Validate(tool.Binding.SchemaRefs.Output, json.RawMessage(out.Body))
		if !result.OK {
			in.recordSecurityEvent(ctx, epw, contracts.ErrOutputValidationFailed, "output failed schema validation", hasFatalSecurityEvent)
			return stepResult{Status: "failed", Reason: "output_validation_failed"}, fmt.Errorf("output_validation_failed")
		}
	}

	stepOutputs[step.ID] = out.Body
	in.writeStepLog(evDir, step.ID, resolvedInput, out.Body)
	in.logger().Info("step_finished", "run_id", runID, "step_id", step.ID, "status", "completed", "status_code", out.StatusCode)

	_, _ = epw.WriteExecution(ctx, contracts.Episode{
		EpisodeType:   "execution_step",
		ResultStatus:  contracts.StatusCompleted,
		ResultSummary: fmt.Sprintf("step %s completed (status %d)", step.ID, out.StatusCode),
		InputDataRefs: []string{step.ID},
	})

	return stepResult{Status: "completed"}, nil
}

// recordSecurityEvent persists a security-event episode and, per §7, marks
// hasFatalSecurityEvent when the classified severity is high or critical —
// forcing the run's final status to failed even when the triggering step
// was allowed to continue under on_error=soft.
func (in *Interpreter) recordSecurityEvent(ctx context.Context, epw *episode.Writer, kind contracts.ErrorKind, message string, hasFatalSecurityEvent *bool) {
	category, severity := contracts.ClassifyErrorKind(kind)
	if hasFatalSecurityEvent != nil && contracts.IsFatalSeverity(severity) {
		*hasFatalSecurityEvent = true
	}
	_, _ = epw.WriteSecurityEvent(ctx, contracts.Episode{
		ResultStatus:           contracts.StatusFailed,
		ResultSummary:          message,
		SecurityEventType:      string(kind),
		SecurityEventCategory:  category,
		Severity:               severity,
		DetectionSource:        "interpreter",
	})
}

func (in *Interpreter) validateArtifacts(input RunInput) (bool, []string) {
	if in.Schemas == nil {
		return true, nil
	}
	var errs []string
	if r, _ := in.Schemas.Validate("plan", input.Plan); !r.OK {
		for _, e := range r.Errors {
			errs = append(errs, "plan"+e.Pointer+": "+e.Message)
		}
	}
	if r, _ := in.Schemas.Validate("tool_pool", input.ToolPool); !r.OK {
		for _, e := range r.Errors {
			errs = append(errs, "tool_pool"+e.Pointer+": "+e.Message)
		}
	}
	if input.InstructionProfile != nil {
		if r, _ := in.Schemas.Validate("instruction_profile", input.InstructionProfile); !r.OK {
			for _, e := range r.Errors {
				errs = append(errs, "instruction_profile"+e.Pointer+": "+e.Message)
			}
		}
	}
	return len(errs) == 0, errs
}

func (in *Interpreter) writeRunSummary(evDir string, summary RunSummary) {
	_ = evidence.WriteArtifact(evDir, "run_summary.json", summary)
}

func (in *Interpreter) writeStepLog(evDir, stepID string, input, output []byte) {
	path := filepath.Join(evDir, "logs", stepID+".log")
	record := map[string]any{
		"input":  json.RawMessage(input),
		"output": json.RawMessage(output),
		"ts":     in.Clock().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

// resolveInput implements step 5a: literal input, or projected from a
// prior step's output by a dotted path.
func resolveInput(step *contracts.Step, stepOutputs map[string]json.RawMessage) ([]byte, error) {
	if step.InputFrom == nil {
		return step.Input, nil
	}
	prior, ok := stepOutputs[step.InputFrom.StepID]
	if !ok {
		return nil, fmt.Errorf("input_from references unexecuted step %q", step.InputFrom.StepID)
	}
	if step.InputFrom.Path == "" {
		return prior, nil
	}
	return projectPath(prior, step.InputFrom.Path)
}

// projectPath walks a dotted path ("a.b.c") into a decoded JSON value.
func projectPath(raw []byte, path string) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("input_from: prior step output is not valid JSON: %w", err)
	}
	cur := decoded
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("input_from: path %q does not resolve (non-object at %q)", path, part)
		}
		v, ok := m[part]
		if !ok {
			return nil, fmt.Errorf("input_from: path %q: key %q not found", path, part)
		}
		cur = v
	}
	return json.Marshal(cur)
}

// stepToCELMap flattens the fields an operator-supplied CEL rule might
// reference into a plain map (the cel-go Variable("step", cel.DynType)
// binding accepts any Go value convertible via its native adapter).
func stepToCELMap(step *contracts.Step) map[string]any {
	return map[string]any{
		"id":           step.ID,
		"verb":         step.Verb,
		"connector_id": step.ConnectorID,
		"on_error":     string(step.EffectiveOnError()),
	}
}

// extractExtra decodes a resolved step input into the generic map a driver
// reads url/endpoint/headers/bin/args from, so drivers stay decoupled from
// contracts.Step.
func extractExtra(input []byte) map[string]any {
	if len(input) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return nil
	}
	if url, ok := m["url"]; ok {
		m["url"] = url
	} else if endpoint, ok := m["endpoint"]; ok {
		m["url"] = endpoint
	}
	return m
}
