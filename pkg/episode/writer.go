// Package episode implements the Episode Writer (spec C3): schema-validated
// execution and security-event records, appended to a per-run, append-only
// index and written as individual per-episode files.
package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mova-agent/runtime/pkg/contracts"
	"github.com/mova-agent/runtime/pkg/evidence"
	"github.com/mova-agent/runtime/pkg/schema"
)

// allowedTopLevel lists the episode fields every episode schema documents
// as known; any other property a schema rejects (for example a
// security-event field on an execution episode) gets moved into
// meta_episode instead of being dropped, preserving auditable data per the
// strip protocol.
var allowedTopLevel = map[string]bool{
	"episode_id": true, "episode_type": true, "mova_version": true,
	"recorded_at": true, "executor": true, "result_status": true,
	"result_summary": true, "input_data_refs": true, "meta_episode": true,
}

const maxStripIterations = 10

// additionalPropRe extracts the offending property name from a jsonschema
// "additionalProperties" violation message, e.g. `additionalProperties 'foo' not allowed`.
var additionalPropRe = regexp.MustCompile(`additionalProperties?\s+'([^']+)'`)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Writer emits episodes for a single run.
type Writer struct {
	requestID   string
	runID       string
	evidenceDir string
	registry    *schema.Registry
	clock       Clock
	rng         *rand.Rand
}

// New creates a run-scoped episode writer.
func New(registry *schema.Registry, requestID, runID, evidenceDir string, clock Clock) *Writer {
	if clock == nil {
		clock = time.Now
	}
	return &Writer{
		requestID:   requestID,
		runID:       runID,
		evidenceDir: evidenceDir,
		registry:    registry,
		clock:       clock,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WriteExecution writes an execution_step-family episode.
func (w *Writer) WriteExecution(ctx context.Context, partial contracts.Episode) (*contracts.Episode, error) {
	partial.EpisodeID = fmt.Sprintf("exec_%d_%d", w.clock().UnixMilli(), w.rng.Intn(1_000_000))
	if partial.EpisodeType == "" {
		partial.EpisodeType = "execution_step"
	}
	return w.write(ctx, partial, "execution")
}

// WriteSecurityEvent writes a security_event-family episode.
func (w *Writer) WriteSecurityEvent(ctx context.Context, partial contracts.Episode) (*contracts.Episode, error) {
	partial.EpisodeID = fmt.Sprintf("sec_%d_%d", w.clock().UnixMilli(), w.rng.Intn(1_000_000))
	if partial.EpisodeType == "" {
		partial.EpisodeType = "security_event/policy_violation"
	}
	if partial.SecurityModelVersion == "" {
		partial.SecurityModelVersion = "1.0"
	}
	return w.write(ctx, partial, "security_event")
}

func (w *Writer) write(ctx context.Context, ep contracts.Episode, schemaID string) (*contracts.Episode, error) {
	ep.MovaVersion = contracts.MovaVersion
	ep.RecordedAt = w.clock()
	if ep.Executor.Kind == "" {
		ep.Executor = contracts.Executor{Kind: "mova_agent_runtime"}
	}
	if ep.MetaEpisode == nil {
		ep.MetaEpisode = map[string]any{}
	}
	ep.MetaEpisode["request_id"] = w.requestID
	ep.MetaEpisode["run_id"] = w.runID
	ep.MetaEpisode["evidence_dir"] = w.evidenceDir

	validated, err := w.stripAdditionalProperties(ep, schemaID)
	if err != nil {
		return nil, fmt.Errorf("episode: %w", err)
	}

	if err := w.persist(validated); err != nil {
		return nil, fmt.Errorf("episode: persist: %w", err)
	}
	return &validated, nil
}

// stripAdditionalProperties re-validates the candidate episode against its
// schema, moving any additionalProperties violation into meta_episode
// (never dropping data) and retrying, bounded by maxStripIterations. When a
// remaining violation cannot be relocated, it writes the episode dump and
// validation errors next to the episode files and returns the candidate
// anyway.
func (w *Writer) stripAdditionalProperties(ep contracts.Episode, schemaID string) (contracts.Episode, error) {
	if w.registry == nil {
		return ep, nil
	}

	candidate := ep
	for i := 0; i < maxStripIterations; i++ {
		asMap, err := toMap(candidate)
		if err != nil {
			return candidate, err
		}
		result, err := w.registry.Validate(schemaID, asMap)
		if err != nil {
			return candidate, err
		}
		if result.OK {
			return candidate, nil
		}

		relocated := false
		for _, verr := range result.Errors {
			prop := extractAdditionalProp(verr.Message)
			if prop == "" || allowedTopLevel[prop] {
				continue
			}
			if v, ok := asMap[prop]; ok {
				if candidate.MetaEpisode == nil {
					candidate.MetaEpisode = map[string]any{}
				}
				candidate.MetaEpisode[prop] = v
				delete(asMap, prop)
				relocated = true
			}
		}
		if !relocated {
			// Persist diagnostics; still return best-effort candidate.
			w.writeDiagnostics(candidate, result)
			return candidate, nil
		}
		// Rebuild the typed episode without the relocated top-level fields.
		raw, _ := json.Marshal(asMap)
		var next contracts.Episode
		if err := json.Unmarshal(raw, &next); err != nil {
			return candidate, err
		}
		next.MetaEpisode = candidate.MetaEpisode
		candidate = next
	}
	return candidate, nil
}

func extractAdditionalProp(msg string) string {
	m := additionalPropRe.FindStringSubmatch(msg)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

func (w *Writer) writeDiagnostics(ep contracts.Episode, result schema.Result) {
	dumpPath := filepath.Join(w.evidenceDir, "episodes", ep.EpisodeID+"_episode_dump.json")
	errPath := filepath.Join(w.evidenceDir, "episodes", ep.EpisodeID+"_validation_errors.json")
	if data, err := json.MarshalIndent(ep, "", "  "); err == nil {
		_ = os.MkdirAll(filepath.Dir(dumpPath), 0o755)
		_ = os.WriteFile(dumpPath, data, 0o644)
	}
	if data, err := json.MarshalIndent(result, "", "  "); err == nil {
		_ = os.WriteFile(errPath, data, 0o644)
	}
}

func (w *Writer) persist(ep contracts.Episode) error {
	path := filepath.Join(w.evidenceDir, "episodes", ep.EpisodeID+".json")
	if err := evidence.WriteArtifactAt(path, ep); err != nil {
		return err
	}

	indexPath := filepath.Join(w.evidenceDir, "episodes", "index.jsonl")
	return appendIndexLine(indexPath, ep)
}

func appendIndexLine(path string, ep contracts.Episode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func toMap(ep contracts.Episode) (map[string]any, error) {
	raw, err := json.Marshal(ep)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
