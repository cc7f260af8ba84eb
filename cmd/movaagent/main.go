// Command movaagent is the CLI entrypoint for the MOVA Agent runtime: it
// dispatches to the plan interpreter, the delivery orchestrator, and the
// doctor/scan hygiene tools. Dispatch style follows the teacher's
// cmd/helm/main.go Run(args, stdout, stderr) pattern so the whole binary
// stays testable without touching os.Args/os.Exit directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mova-agent/runtime/pkg/budget"
	"github.com/mova-agent/runtime/pkg/config"
	"github.com/mova-agent/runtime/pkg/contracts"
	"github.com/mova-agent/runtime/pkg/delivery"
	"github.com/mova-agent/runtime/pkg/doctor"
	"github.com/mova-agent/runtime/pkg/driver"
	"github.com/mova-agent/runtime/pkg/evidencepack"
	"github.com/mova-agent/runtime/pkg/idempotency"
	"github.com/mova-agent/runtime/pkg/interpreter"
	"github.com/mova-agent/runtime/pkg/policy"
	"github.com/mova-agent/runtime/pkg/ratelimit"
	"github.com/mova-agent/runtime/pkg/schema"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint used both by main() and by tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "run":
		return runPlanCmd(args[2:], stdout, stderr)
	case "delivery":
		return runDeliveryCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "scan":
		return runScanCmd(args[2:], stdout, stderr)
	case "pack":
		return runPackCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "movaagent — deterministic plan interpreter and outbound delivery kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  movaagent run <plan.json> <tool_pool.json> [instruction_profile.json]")
	fmt.Fprintln(w, "  movaagent delivery <request.json>")
	fmt.Fprintln(w, "  movaagent doctor")
	fmt.Fprintln(w, "  movaagent scan <dir>")
	fmt.Fprintln(w, "  movaagent pack create --run-dir <dir> --run-id <id> --out <pack.tar.gz>")
	fmt.Fprintln(w, "  movaagent pack verify --bundle <pack.tar.gz>")
}

// buildLogger constructs the one audit-trail logger for a CLI invocation
// and threads it explicitly into the components that emit to it — never a
// package-level global.
func buildLogger(stderr io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildSchemaRegistry() (*schema.Registry, error) {
	reg := schema.New()
	if err := reg.LoadAll("schemas/canonical", "schemas/local"); err != nil {
		return nil, err
	}
	return reg, nil
}

func runPlanCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "usage: movaagent run <plan.json> <tool_pool.json> [instruction_profile.json]")
		return 2
	}
	cfg := config.Load()

	reg, err := buildSchemaRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "schema registry: %v\n", err)
		return 1
	}

	var plan contracts.Plan
	if err := readJSONFile(args[0], &plan); err != nil {
		fmt.Fprintf(stderr, "read plan: %v\n", err)
		return 1
	}
	var pool contracts.ToolPool
	if err := readJSONFile(args[1], &pool); err != nil {
		fmt.Fprintf(stderr, "read tool pool: %v\n", err)
		return 1
	}
	var profile *contracts.InstructionProfile
	if len(args) >= 3 {
		profile = &contracts.InstructionProfile{}
		if err := readJSONFile(args[2], profile); err != nil {
			fmt.Fprintf(stderr, "read instruction profile: %v\n", err)
			return 1
		}
	}

	pol, err := policy.New()
	if err != nil {
		fmt.Fprintf(stderr, "policy engine: %v\n", err)
		return 1
	}
	in := interpreter.New(reg, pol, driver.New(), cfg.EvidenceRoot)
	in.Logger = buildLogger(stderr, cfg.LogLevel)

	summary, err := in.RunPlan(context.Background(), interpreter.RunInput{
		Plan:               plan,
		ToolPool:           pool,
		InstructionProfile: profile,
		BudgetContract:     &budget.Contract{OnExceed: budget.OnExceedWarn},
	})
	if err != nil {
		fmt.Fprintf(stderr, "run_plan: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
	if !summary.Success {
		return 1
	}
	return 0
}

func runDeliveryCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: movaagent delivery <request.json>")
		return 2
	}
	cfg := config.Load()

	var req delivery.Request
	if err := readJSONFile(args[0], &req); err != nil {
		fmt.Fprintf(stderr, "read request: %v\n", err)
		return 1
	}
	if req.SigningSecret == "" {
		req.SigningSecret = cfg.WebhookSigningSecret
	}

	rlStore, err := ratelimit.NewFileStore(cfg.RateLimitStorePath)
	if err != nil {
		fmt.Fprintf(stderr, "rate limit store: %v\n", err)
		return 1
	}
	idStore, err := idempotency.New(cfg.IdempotencyStorePath)
	if err != nil {
		fmt.Fprintf(stderr, "idempotency store: %v\n", err)
		return 1
	}

	orch := &delivery.Orchestrator{
		Profile: contracts.PolicyProfile{
			ID:             cfg.PolicyProfileID,
			AllowedTargets: []string{},
			RetryEnabled:   true,
			MaxAttempts:    3,
			RetryOnStatus:  []int{429, 500, 502, 503, 504},
			BaseBackoffMs:  200,
			MaxBackoffMs:   5000,
			TimeoutMs:      10_000,
		},
		Drivers:               driver.New(),
		RateLimit:             rlStore,
		Idempotency:           idStore,
		EvidenceRoot:          cfg.EvidenceRoot,
		RealSendArmed:         cfg.EnableRealSend,
		RequireIdempotencyKey: cfg.RequireIdempotency,
		Logger:                buildLogger(stderr, cfg.LogLevel),
	}

	result, err := orch.Deliver(context.Background(), req)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if err != nil {
		fmt.Fprintf(stderr, "delivery.v1: %v\n", err)
		return 1
	}
	return 0
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	report := doctor.Run(cfg, true, []string{})
	if err := doctor.WriteReport(cfg.EvidenceRoot+"/doctor", report); err != nil {
		fmt.Fprintf(stderr, "doctor: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if !report.AllOK {
		return 1
	}
	return 0
}

func runScanCmd(args []string, stdout, stderr io.Writer) int {
	dir := "artifacts/mova_agent"
	if len(args) >= 1 {
		dir = args[0]
	}
	result, err := doctor.Scan(dir)
	if err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if result.Status != "clean" {
		return 1
	}
	return 0
}

// runPackCmd implements `movaagent pack create|verify`, a portable
// tar.gz export of a single run's evidence directory for handoff off the
// runtime host.
func runPackCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: movaagent pack create|verify ...")
		return 2
	}
	switch args[0] {
	case "create":
		return runPackCreateCmd(args[1:], stdout, stderr)
	case "verify":
		return runPackVerifyCmd(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown pack subcommand: %s\n", args[0])
		return 2
	}
}

func runPackCreateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("pack create", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var runDir, runID, outPath string
	cmd.StringVar(&runDir, "run-dir", "", "Path to a run's evidence directory (REQUIRED)")
	cmd.StringVar(&runID, "run-id", "", "Run ID recorded in the pack manifest (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path for the tar.gz pack (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if runDir == "" || runID == "" || outPath == "" {
		fmt.Fprintln(stderr, "usage: movaagent pack create --run-dir <dir> --run-id <id> --out <pack.tar.gz>")
		return 2
	}

	files, err := evidencepack.CollectRunFiles(runDir)
	if err != nil {
		fmt.Fprintf(stderr, "pack create: %v\n", err)
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintln(stderr, "pack create: no files found under run directory")
		return 1
	}
	if err := evidencepack.Create(runID, files, outPath, nil); err != nil {
		fmt.Fprintf(stderr, "pack create: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"run_id":     runID,
		"pack_path":  outPath,
		"file_count": len(files),
		"status":     "created",
	})
	return 0
}

func runPackVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("pack verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var bundlePath string
	cmd.StringVar(&bundlePath, "bundle", "", "Path to an evidence pack tar.gz (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		fmt.Fprintln(stderr, "usage: movaagent pack verify --bundle <pack.tar.gz>")
		return 2
	}

	manifest, err := evidencepack.Verify(bundlePath)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err != nil {
		_ = enc.Encode(map[string]any{"bundle": bundlePath, "valid": false, "error": err.Error()})
		return 1
	}
	_ = enc.Encode(map[string]any{
		"bundle":      bundlePath,
		"valid":       true,
		"run_id":      manifest.RunID,
		"version":     manifest.Version,
		"exported_at": manifest.ExportedAt,
		"file_count":  len(manifest.FileHashes),
	})
	return 0
}

func readJSONFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
