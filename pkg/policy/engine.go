// Package policy implements the Policy Engine (spec C4): a prioritized,
// deny-by-default rule list. Each rule's predicate is a Go function
// evaluated against a flat context map; CompilePredicate builds one from a
// CEL expression, generalizing the teacher's
// single-policy CEL evaluator (pkg/governance/policy_engine.go) into a
// priority-ordered chain with a fixed default-deny base rule.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/mova-agent/runtime/pkg/contracts"
)

// Action is the outcome of a matched rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionLog   Action = "log"
)

// Decision is the result of evaluating a step against the rule chain.
type Decision struct {
	Action      Action
	RuleID      string
	Description string
}

// Rule is one prioritized entry in the chain. Priority is an int; higher
// wins. Predicate receives the evaluation context and returns true when the
// rule matches.
type Rule struct {
	ID          string
	Priority    int
	Action      Action
	Description string
	Predicate   func(ctx map[string]any) (bool, error)
}

// Engine holds the prioritized rule list plus the fixed base rule.
type Engine struct {
	env   *cel.Env
	rules []Rule
}

const defaultDenyID = "default-deny"

// New creates an Engine with only the base default-deny rule at priority 0.
func New() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("step", cel.DynType),
		cel.Variable("tool", cel.DynType),
		cel.Variable("profile", cel.DynType),
		cel.Variable("pool_size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	e := &Engine{env: env}
	e.rules = []Rule{{
		ID:          defaultDenyID,
		Priority:    0,
		Action:      ActionDeny,
		Description: "no rule matched; deny by default",
		Predicate:   func(map[string]any) (bool, error) { return true, nil },
	}}
	return e, nil
}

// AddRule inserts a rule, keeping the chain sorted highest-priority-first.
// The default-deny base rule always remains last.
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].ID == defaultDenyID {
			return false
		}
		if e.rules[j].ID == defaultDenyID {
			return true
		}
		return e.rules[i].Priority > e.rules[j].Priority
	})
}

// HasCustomRules reports whether any rule beyond the fixed default-deny
// base rule has been added.
func (e *Engine) HasCustomRules() bool {
	return len(e.rules) > 1
}

// CompilePredicate compiles a CEL expression into a Rule predicate function.
func (e *Engine) CompilePredicate(expr string) (func(map[string]any) (bool, error), error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile predicate: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program: %w", err)
	}
	return func(ctx map[string]any) (bool, error) {
		out, _, err := prg.Eval(ctx)
		if err != nil {
			// Fail-closed: a predicate evaluation error never matches.
			return false, nil
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("policy: predicate did not return bool, got %v", out.ConvertToType(types.BoolType))
		}
		return b, nil
	}, nil
}

// Evaluate iterates rules highest-priority-first. The first rule whose
// predicate matches determines the action; log rules produce a side effect
// (returned via the logged slice) and evaluation continues past them. If no
// non-log rule matches, evaluation falls through to default-deny.
func (e *Engine) Evaluate(ctx map[string]any) (Decision, []Decision) {
	var logged []Decision
	for _, r := range e.rules {
		matched, err := r.Predicate(ctx)
		if err != nil || !matched {
			continue
		}
		if r.Action == ActionLog {
			logged = append(logged, Decision{Action: ActionLog, RuleID: r.ID, Description: r.Description})
			continue
		}
		return Decision{Action: r.Action, RuleID: r.ID, Description: r.Description}, logged
	}
	return Decision{Action: ActionDeny, RuleID: defaultDenyID, Description: "no rule matched; deny by default"}, logged
}

// StepEvaluation composes the six checks named in spec §4.4 into a single
// Decision with a stable error-kind classification for episode emission.
type StepEvaluation struct {
	Decision Decision
	ErrKind  string // one of the error kinds in spec §7, empty on allow
}

// EvaluateStep runs the tool-in-pool, driver-kind, destination-allowlist,
// limits-present, content-guard, and instruction-profile-cap checks against
// a single step, in the order spec §4.4 lists them.
func EvaluateStep(step *contracts.Step, pool *contracts.ToolPool, profile *contracts.InstructionProfile) StepEvaluation {
	tool, ok := pool.Lookup(step.ConnectorID)
	if !ok {
		return deny("tool_not_allowlisted", fmt.Sprintf("connector %q not in active tool pool", step.ConnectorID))
	}

	if step.Verb != tool.Binding.DriverKind {
		return deny("tool_not_allowlisted", fmt.Sprintf("step verb %q does not match tool driver_kind %q", step.Verb, tool.Binding.DriverKind))
	}

	if dest, has := extractDestination(step.Input); has {
		if !destinationAllowed(dest, tool.Binding.DestinationAllowlist) {
			return deny("destination_not_allowlisted", fmt.Sprintf("destination %q not in allowlist", dest))
		}
	} else if tool.Binding.DriverKind == "http" && len(tool.Binding.DestinationAllowlist) == 0 {
		return deny("destination_not_allowlisted", "http driver requires a destination allowlist")
	}

	if tool.Binding.Limits.TimeoutMs == nil {
		return deny("limits_not_specified", "tool binding missing limits.timeout_ms")
	}

	if reason, bad := scanDangerousContent(string(step.Input)); bad {
		return deny("input_validation_failed", reason)
	}

	if profile != nil {
		if profile.Caps.MaxTimeoutMs != nil && *tool.Binding.Limits.TimeoutMs > *profile.Caps.MaxTimeoutMs {
			return deny("resource_budget_exceeded", "tool timeout exceeds instruction profile cap")
		}
		if profile.Caps.MaxDataSize != nil && tool.Binding.Limits.MaxDataSize != nil &&
			*tool.Binding.Limits.MaxDataSize > *profile.Caps.MaxDataSize {
			return deny("resource_budget_exceeded", "tool max_data_size exceeds instruction profile cap")
		}
	}

	return StepEvaluation{Decision: Decision{Action: ActionAllow, RuleID: "step-checks-passed"}}
}

func deny(errKind, description string) StepEvaluation {
	return StepEvaluation{
		Decision: Decision{Action: ActionDeny, RuleID: errKind, Description: description},
		ErrKind:  errKind,
	}
}

var dangerousPathSequences = []string{"..", "/etc/", "/root/", "/proc/", "/sys/"}

var dangerousCommandTokens = []string{
	"rm -rf", "rm ", "chmod", "chown", "mv /", "cp /etc/", "cat /etc/",
	"echo > /etc/", "sudo ", "su ", "eval ", "exec(", "exec ", "shell_exec",
	"system(", "passthru",
}

func scanDangerousContent(input string) (string, bool) {
	for _, seq := range dangerousPathSequences {
		if strings.Contains(input, seq) {
			return fmt.Sprintf("input contains disallowed path sequence %q", seq), true
		}
	}
	lower := strings.ToLower(input)
	for _, tok := range dangerousCommandTokens {
		if strings.Contains(lower, tok) {
			return fmt.Sprintf("input contains disallowed command token %q", tok), true
		}
	}
	return "", false
}
