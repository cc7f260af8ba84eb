package interpreter

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mova-agent/runtime/pkg/budget"
	"github.com/mova-agent/runtime/pkg/contracts"
	"github.com/mova-agent/runtime/pkg/driver"
	"github.com/mova-agent/runtime/pkg/policy"
)

func timeoutPtr(ms int64) *int64 { return &ms }

func newInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	pol, err := policy.New()
	require.NoError(t, err)
	return New(nil, pol, driver.New(), t.TempDir())
}

func noopPool() contracts.ToolPool {
	return contracts.ToolPool{
		Tools: []contracts.Tool{
			{
				ID:        "tool-1",
				Connector: "noop",
				Binding: contracts.Binding{
					DriverKind:           "noop",
					DestinationAllowlist: []string{"example.com"},
					Limits:               contracts.Limits{TimeoutMs: timeoutPtr(5000)},
				},
			},
		},
	}
}

func TestRunPlan_HappyPathCompletesAllSteps(t *testing.T) {
	in := newInterpreter(t)
	plan := contracts.Plan{Verb: "run"}
	plan.Payload.Steps = []contracts.Step{
		{ID: "s1", Verb: "noop", ConnectorID: "tool-1", Input: []byte(`{"url":"https://example.com/hook"}`)},
	}

	summary, err := in.RunPlan(context.Background(), RunInput{Plan: plan, ToolPool: noopPool()})
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.StepCount)
	assert.Equal(t, "completed", summary.StepStatus["s1"].(stepResult).Status)
}

func TestRunPlan_FatalStepHaltsExecution(t *testing.T) {
	in := newInterpreter(t)
	plan := contracts.Plan{Verb: "run"}
	plan.Payload.Steps = []contracts.Step{
		{ID: "s1", Verb: "noop", ConnectorID: "missing-tool"},
		{ID: "s2", Verb: "noop", ConnectorID: "tool-1", Input: []byte(`{"url":"https://example.com/hook"}`)},
	}

	summary, err := in.RunPlan(context.Background(), RunInput{Plan: plan, ToolPool: noopPool()})
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Equal(t, "s1", summary.FatalStep)
	_, ranSecondStep := summary.StepStatus["s2"]
	assert.False(t, ranSecondStep)
}

func TestRunPlan_SoftStepContinuesExecution(t *testing.T) {
	in := newInterpreter(t)
	plan := contracts.Plan{Verb: "run"}
	plan.Payload.Steps = []contracts.Step{
		{ID: "s1", Verb: "noop", ConnectorID: "missing-tool", OnError: contracts.OnErrorSoft},
		{ID: "s2", Verb: "noop", ConnectorID: "tool-1", Input: []byte(`{"url":"https://example.com/hook"}`)},
	}

	summary, err := in.RunPlan(context.Background(), RunInput{Plan: plan, ToolPool: noopPool()})
	require.NoError(t, err)
	// s1 is on_error=soft, so execution continues to s2 — but the denial is
	// still a high-severity security event (tool_not_allowlisted), which per
	// §7 forces the run's overall status to failed regardless.
	assert.False(t, summary.Success)
	assert.Equal(t, "failed", summary.StepStatus["s1"].(stepResult).Status)
	assert.Equal(t, "completed", summary.StepStatus["s2"].(stepResult).Status)
}

func TestRunPlan_InputFromProjectsPriorStepOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"nested":{"url":"http://` + r.Host + `"}}`))
	}))
	defer srv.Close()

	in := newInterpreter(t)
	pool := contracts.ToolPool{
		Tools: []contracts.Tool{
			{ID: "http-1", Connector: "http", Binding: contracts.Binding{DriverKind: "http", DestinationAllowlist: []string{"127.0.0.1"}, Limits: contracts.Limits{TimeoutMs: timeoutPtr(5000)}}},
			{ID: "http-2", Connector: "http", Binding: contracts.Binding{DriverKind: "http", DestinationAllowlist: []string{"127.0.0.1"}, Limits: contracts.Limits{TimeoutMs: timeoutPtr(5000)}}},
		},
	}
	plan := contracts.Plan{Verb: "run"}
	plan.Payload.Steps = []contracts.Step{
		{ID: "s1", Verb: "http", ConnectorID: "http-1", Input: []byte(`{"url":"` + srv.URL + `"}`)},
		{ID: "s2", Verb: "http", ConnectorID: "http-2", InputFrom: &contracts.InputFrom{StepID: "s1", Path: "nested"}},
	}

	summary, err := in.RunPlan(context.Background(), RunInput{Plan: plan, ToolPool: pool})
	require.NoError(t, err)
	assert.True(t, summary.Success)
}

func TestRunPlan_MissingPriorStepOutputFailsStep(t *testing.T) {
	in := newInterpreter(t)
	plan := contracts.Plan{Verb: "run"}
	plan.Payload.Steps = []contracts.Step{
		{ID: "s1", Verb: "noop", ConnectorID: "tool-1", InputFrom: &contracts.InputFrom{StepID: "never-ran"}},
	}

	summary, err := in.RunPlan(context.Background(), RunInput{Plan: plan, ToolPool: noopPool()})
	require.NoError(t, err)
	assert.False(t, summary.Success)
}

func TestRunPlan_BudgetExceededFailsWhenOnExceedFail(t *testing.T) {
	in := newInterpreter(t)
	plan := contracts.Plan{Verb: "run"}
	plan.Payload.Steps = []contracts.Step{
		{ID: "s1", Verb: "noop", ConnectorID: "tool-1", Input: []byte(`{"url":"https://example.com/hook"}`)},
	}
	maxCalls := int64(0)

	summary, err := in.RunPlan(context.Background(), RunInput{
		Plan:           plan,
		ToolPool:       noopPool(),
		BudgetContract: &budget.Contract{MaxModelCalls: &maxCalls, OnExceed: budget.OnExceedFail},
	})
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Equal(t, "s1", summary.FatalStep)
}

func TestRunPlan_EmitsAuditLogAtStepAndRunBoundaries(t *testing.T) {
	in := newInterpreter(t)
	var buf bytes.Buffer
	in.Logger = slog.New(slog.NewJSONHandler(&buf, nil))

	plan := contracts.Plan{Verb: "run"}
	plan.Payload.Steps = []contracts.Step{
		{ID: "s1", Verb: "noop", ConnectorID: "tool-1", Input: []byte(`{"url":"https://example.com/hook"}`)},
	}

	_, err := in.RunPlan(context.Background(), RunInput{Plan: plan, ToolPool: noopPool()})
	require.NoError(t, err)

	logged := buf.String()
	assert.Contains(t, logged, "run_started")
	assert.Contains(t, logged, "step_started")
	assert.Contains(t, logged, "step_finished")
	assert.Contains(t, logged, "run_finished")
}

func TestRunPlan_BudgetExceededContinuesWhenOnExceedWarn(t *testing.T) {
	in := newInterpreter(t)
	plan := contracts.Plan{Verb: "run"}
	plan.Payload.Steps = []contracts.Step{
		{ID: "s1", Verb: "noop", ConnectorID: "tool-1", Input: []byte(`{"url":"https://example.com/hook"}`)},
	}
	maxCalls := int64(0)

	summary, err := in.RunPlan(context.Background(), RunInput{
		Plan:           plan,
		ToolPool:       noopPool(),
		BudgetContract: &budget.Contract{MaxModelCalls: &maxCalls, OnExceed: budget.OnExceedWarn},
	})
	require.NoError(t, err)
	assert.True(t, summary.Success)
}
