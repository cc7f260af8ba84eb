// Package doctor implements the Doctor/Artifact Secret Scanner (spec C13):
// an environment health report plus a directory-walking secret scanner. It
// generalizes the teacher's runDoctorCmd (cmd/helm/doctor_init_trust.go) —
// a flat list of named checks printed to stdout — into a redacted JSON
// report plus a standalone scanner, matching this spec's two named checks
// (`doctor`, `scan`).
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mova-agent/runtime/pkg/canonical"
	"github.com/mova-agent/runtime/pkg/config"
	"github.com/mova-agent/runtime/pkg/redact"
)

// Check is one named health check's outcome.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// Report is the doctor command's output, written redacted to
// artifacts/doctor/.../doctor_report.json.
type Report struct {
	Checks []Check `json:"checks"`
	AllOK  bool    `json:"all_ok"`
}

// Run executes the four named checks from spec §4.13: policy_loaded,
// real_send_policy, staging_allowlist, staging_env.
func Run(cfg *config.Config, profileLoaded bool, allowedTargets []string) Report {
	var checks []Check
	allOK := true

	if profileLoaded {
		checks = append(checks, Check{Name: "policy_loaded", Status: "ok", Detail: "policy profile " + cfg.PolicyProfileID + " loaded"})
	} else {
		checks = append(checks, Check{Name: "policy_loaded", Status: "fail", Detail: "no policy profile could be loaded for " + cfg.PolicyProfileID})
		allOK = false
	}

	if cfg.EnableRealSend {
		status := "ok"
		detail := "real send armed"
		if cfg.WebhookSigningSecret == "" {
			status = "warn"
			detail = "real send armed but no signing secret is set"
		}
		checks = append(checks, Check{Name: "real_send_policy", Status: status, Detail: detail})
	} else {
		checks = append(checks, Check{Name: "real_send_policy", Status: "ok", Detail: "real send disarmed (dry-run only)"})
	}

	if len(allowedTargets) == 0 {
		checks = append(checks, Check{Name: "staging_allowlist", Status: "warn", Detail: "no allowed_targets configured"})
	} else {
		checks = append(checks, Check{Name: "staging_allowlist", Status: "ok", Detail: fmt.Sprintf("%d host(s) allowlisted", len(allowedTargets))})
	}

	if cfg.AllowNoopOnly {
		checks = append(checks, Check{Name: "staging_env", Status: "ok", Detail: "ALLOW_NOOP_ONLY set — non-noop drivers disabled"})
	} else {
		checks = append(checks, Check{Name: "staging_env", Status: "warn", Detail: "ALLOW_NOOP_ONLY not set — real drivers may run"})
	}

	return Report{Checks: checks, AllOK: allOK}
}

// WriteReport redacts and persists a Report under dir/doctor_report.json.
func WriteReport(dir string, report Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("doctor: mkdir: %w", err)
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("doctor: marshal report: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("doctor: unmarshal report: %w", err)
	}
	redacted, err := json.MarshalIndent(redact.Value(generic), "", "  ")
	if err != nil {
		return fmt.Errorf("doctor: marshal redacted report: %w", err)
	}
	path := filepath.Join(dir, "doctor_report.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, redacted, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("doctor: write temp: %w", err)
	}
	return os.Rename(tmp, path)
}

// scanPatterns are the known leak signatures the scanner flags.
var scanPatterns = []string{
	"authorization: bearer",
	"sk-ant-", // well-known test/placeholder secret prefix
	"token=",
	"secret=",
	"api_key",
}

// Match is one flagged artifact hit.
type Match struct {
	File        string `json:"file"`
	Pattern     string `json:"pattern"`
	SnippetHash string `json:"snippet_hash"`
}

// ScanResult is the scanner's output.
type ScanResult struct {
	Status  string  `json:"status"` // "clean" or "leaked"
	Matches []Match `json:"matches,omitempty"`
}

// Scan walks root for text-typed artifacts and flags any containing a
// known leak pattern (case-insensitive). It never reads the full matched
// secret back to the caller — only the first 12 hex characters of a hash of
// a short snippet around the match.
func Scan(root string) (ScanResult, error) {
	var matches []Match
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isTextArtifact(d.Name()) {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil // unreadable file is not a scan failure
		}
		lower := strings.ToLower(string(data))
		for _, pattern := range scanPatterns {
			if idx := strings.Index(lower, pattern); idx >= 0 {
				snippet := snippetAround(string(data), idx, len(pattern))
				matches = append(matches, Match{
					File:        path,
					Pattern:     pattern,
					SnippetHash: canonical.SHA256Hex([]byte(snippet))[:12],
				})
			}
		}
		return nil
	})
	if err != nil {
		return ScanResult{}, fmt.Errorf("doctor: scan %s: %w", root, err)
	}
	if len(matches) == 0 {
		return ScanResult{Status: "clean"}, nil
	}
	return ScanResult{Status: "leaked", Matches: matches}, nil
}

func isTextArtifact(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json", ".jsonl", ".log", ".txt", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func snippetAround(data string, idx, patternLen int) string {
	start := idx - 16
	if start < 0 {
		start = 0
	}
	end := idx + patternLen + 16
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}
