package contracts

import "time"

// ResultStatus is the terminal state of an execution or episode.
type ResultStatus string

const (
	StatusPending    ResultStatus = "pending"
	StatusInProgress ResultStatus = "in_progress"
	StatusCompleted  ResultStatus = "completed"
	StatusFailed     ResultStatus = "failed"
	StatusPartial    ResultStatus = "partial"
	StatusCancelled  ResultStatus = "cancelled"
	StatusSkipped    ResultStatus = "skipped"
)

// SecurityCategory classifies a security event for audit taxonomy.
type SecurityCategory string

const (
	CategoryAuth              SecurityCategory = "auth"
	CategoryAuthorization     SecurityCategory = "authorization"
	CategoryPolicyViolation   SecurityCategory = "policy_violation"
	CategoryInstructionMisuse SecurityCategory = "instruction_misuse"
	CategoryDataAccess        SecurityCategory = "data_access"
	CategoryRateLimit         SecurityCategory = "rate_limit"
	CategoryConfig            SecurityCategory = "config"
	CategoryInfrastructure    SecurityCategory = "infrastructure"
	CategoryOther             SecurityCategory = "other"
)

// Severity is the graded impact of a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// MovaVersion is the fixed episode schema version this runtime emits.
const MovaVersion = "4.1.1"

// Executor identifies who/what performed an episode's underlying action.
type Executor struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// Episode is the common envelope for execution_step and security_event
// records. Field names mirror the wire/JSON shape exactly.
type Episode struct {
	EpisodeID            string                 `json:"episode_id"`
	EpisodeType          string                 `json:"episode_type"`
	MovaVersion          string                 `json:"mova_version"`
	RecordedAt           time.Time              `json:"recorded_at"`
	Executor             Executor               `json:"executor"`
	ResultStatus         ResultStatus           `json:"result_status"`
	ResultSummary        string                 `json:"result_summary,omitempty"`
	InputDataRefs         []string              `json:"input_data_refs,omitempty"`
	MetaEpisode          map[string]any         `json:"meta_episode,omitempty"`

	// SecurityEvent-only fields. Zero-valued and omitted for execution episodes.
	SecurityEventType     string           `json:"security_event_type,omitempty"`
	SecurityEventCategory SecurityCategory `json:"security_event_category,omitempty"`
	Severity              Severity         `json:"severity,omitempty"`
	PolicyProfileID       string           `json:"policy_profile_id,omitempty"`
	SecurityModelVersion  string           `json:"security_model_version,omitempty"`
	DetectionSource       string           `json:"detection_source,omitempty"`
}

// IsSecurityEvent reports whether this episode carries security-event fields.
func (e *Episode) IsSecurityEvent() bool {
	return e.SecurityEventType != "" || e.SecurityEventCategory != ""
}
