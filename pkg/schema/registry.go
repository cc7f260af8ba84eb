// Package schema implements the Schema Registry (spec C1): it loads JSON
// Schema documents from two roots, resolves $ref by logical id rather than
// publication URL, compiles validators lazily, and reports validation
// failures as structured errors rather than registry-level exceptions.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resourceHost is the synthetic host used to give every schema a resolvable
// URL within the compiler. Relative refs of the form <id>.schema.json
// resolve against it to the schema registered under <id>; absolute refs
// naming any other host are not rewritten to a local lookup.
const resourceHost = "https://mova.schemas.local/schemas/"

// Core schema ids preloaded first so that cross-references among them
// resolve before any local/custom schema is compiled.
var coreSchemaIDs = []string{"plan", "tool_pool"}

// ValidationError describes one JSON-Pointer-anchored schema violation.
type ValidationError struct {
	Pointer string `json:"pointer"`
	Message string `json:"message"`
}

// Result is the outcome of a single Validate call.
type Result struct {
	OK     bool              `json:"ok"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Registry compiles and caches JSON Schema validators by logical id.
type Registry struct {
	mu         sync.RWMutex
	compiler   *jsonschema.Compiler
	sources    map[string][]byte // id -> raw schema bytes
	compiled   map[string]*jsonschema.Schema
}

// New creates an empty Registry. Call LoadAll to populate it from disk.
func New() *Registry {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	return &Registry{
		compiler: c,
		sources:  make(map[string][]byte),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// LoadAll scans canonicalRoot and localRoot for *.schema.json files and
// registers each under its logical id (the filename without the
// ".schema.json" suffix). Core schema ids are registered first so that
// cross-references resolve deterministically. Either root may not exist;
// a missing root is not an error (it simply contributes no schemas).
func (r *Registry) LoadAll(canonicalRoot, localRoot string) error {
	ordered := []string{}
	byID := map[string][]byte{}

	for _, root := range []string{canonicalRoot, localRoot} {
		if root == "" {
			continue
		}
		entries, err := scanSchemaFiles(root)
		if err != nil {
			return fmt.Errorf("schema: scan %s: %w", root, err)
		}
		for id, data := range entries {
			if _, exists := byID[id]; !exists {
				ordered = append(ordered, id)
			}
			byID[id] = data
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Preload core ids first (if present) so their resource URLs exist
	// before anything that might reference them compiles.
	seen := make(map[string]bool)
	for _, id := range coreSchemaIDs {
		if data, ok := byID[id]; ok {
			if err := r.addResourceLocked(id, data); err != nil {
				return err
			}
			seen[id] = true
		}
	}
	for _, id := range ordered {
		if seen[id] {
			continue
		}
		if err := r.addResourceLocked(id, byID[id]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) addResourceLocked(id string, data []byte) error {
	r.sources[id] = data
	url := resourceHost + id + ".schema.json"
	if err := r.compiler.AddResource(url, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("schema: add resource %q: %w", id, err)
	}
	return nil
}

func scanSchemaFiles(root string) (map[string][]byte, error) {
	out := map[string][]byte{}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return out, nil
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".schema.json") {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		id := strings.TrimSuffix(d.Name(), ".schema.json")
		out[id] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// compile returns the cached compiled schema for id, compiling on first use.
func (r *Registry) compile(id string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	if s, ok := r.compiled[id]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	_, hasSource := r.sources[id]
	r.mu.RUnlock()

	if !hasSource {
		return nil, fmt.Errorf("schema: unknown schema id %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.compiled[id]; ok {
		return s, nil
	}
	s, err := r.compiler.Compile(resourceHost + id + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema: compile %q: %w", id, err)
	}
	r.compiled[id] = s
	return s, nil
}

// Validate validates value (any JSON-marshalable Go value) against the
// schema registered under id. A missing schema or validation failure is
// reported in the returned Result, never as a registry-level error: only
// infrastructure failures (e.g. value isn't JSON-marshalable) return err.
func (r *Registry) Validate(id string, value any) (Result, error) {
	s, err := r.compile(id)
	if err != nil {
		return Result{OK: false, Errors: []ValidationError{{Pointer: "", Message: err.Error()}}}, nil
	}

	// jsonschema validates against decoded JSON (map[string]any, []any,
	// float64, etc.), so round-trip through encoding/json first.
	raw, err := json.Marshal(value)
	if err != nil {
		return Result{}, fmt.Errorf("schema: marshal value for %q: %w", id, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("schema: unmarshal value for %q: %w", id, err)
	}

	if err := s.Validate(decoded); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return Result{OK: false, Errors: flattenValidationError(verr)}, nil
		}
		return Result{OK: false, Errors: []ValidationError{{Pointer: "", Message: err.Error()}}}, nil
	}
	return Result{OK: true}, nil
}

func flattenValidationError(verr *jsonschema.ValidationError) []ValidationError {
	var out []ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, ValidationError{
				Pointer: "/" + strings.Join(e.InstanceLocation, "/"),
				Message: e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}
