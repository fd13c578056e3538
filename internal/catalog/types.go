package catalog

import (
	"time"

	"opspilot/internal/lifecycle"
)

// KindScript and KindPlaybook tag objects in the reference store.
const (
	KindScript   = "script"
	KindPlaybook = "playbook"
)

// AuthorClass orders candidates by trust tier during ranking.
type AuthorClass string

const (
	AuthorCurated       AuthorClass = "curated"
	AuthorTenantTrusted AuthorClass = "tenant_trusted"
	AuthorTenantPrivate AuthorClass = "tenant_private"
	AuthorExperimental  AuthorClass = "experimental"
)

// PrecedenceBonus is the additive trust-tier bonus applied during
// ranking: tenant-trusted beats curated beats private beats experimental.
func (a AuthorClass) PrecedenceBonus() float64 {
	switch a {
	case AuthorTenantTrusted:
		return 0.15
	case AuthorCurated:
		return 0.10
	case AuthorTenantPrivate:
		return 0.05
	case AuthorExperimental:
		return 0.02
	}
	return 0
}

// StorageStrategy controls which collection a playbook is mirrored into.
type StorageStrategy string

const (
	StoragePrivate       StorageStrategy = "private"
	StoragePendingReview StorageStrategy = "pending_review"
	StorageTeamTrusted   StorageStrategy = "team_trusted"
	StorageDefault       StorageStrategy = "default"
)

// Implementation is one concrete form of a script (shell, python,
// terraform, ...): a self-contained source blob plus its entry point.
type Implementation struct {
	Type       string `json:"type"`
	Source     string `json:"source"`
	SourceRef  string `json:"source_ref,omitempty"`
	EntryPoint string `json:"entry_point"`
}

// ExtractionHint tells the upstream intent classifier where a parameter
// value may be sourced from before this engine is invoked.
type ExtractionHint struct {
	Source   string `json:"source"` // estate, context, template, static, user
	Field    string `json:"field,omitempty"`
	Template string `json:"template,omitempty"`
	Default  string `json:"default,omitempty"`
}

type Param struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Required   bool            `json:"required"`
	Validation string          `json:"validation,omitempty"`
	Default    any             `json:"default,omitempty"`
	Hint       *ExtractionHint `json:"extraction_hint,omitempty"`
}

type Output struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Script is a reusable, independently versioned unit of work. Immutable
// once published under a version.
type Script struct {
	ScriptID            string                    `json:"script_id"`
	Version             string                    `json:"version"`
	Name                string                    `json:"name"`
	Description         string                    `json:"description"`
	Implementations     map[string]Implementation `json:"implementations"`
	Params              []Param                   `json:"params"`
	Outputs             []Output                  `json:"outputs"`
	RequiredPermissions []string                  `json:"required_permissions,omitempty"`
	EstimatedDurationS  int                       `json:"estimated_duration_s"`
	MaxDurationS        int                       `json:"max_duration_s"`
}

type ScriptRef struct {
	ScriptID       string `json:"script_id"`
	Version        string `json:"version"`
	Implementation string `json:"implementation"`
}

type PlaybookRef struct {
	PlaybookID string `json:"playbook_id"`
	Version    string `json:"version"`
}

type RetrySpec struct {
	MaxAttempts int   `json:"max_attempts"`
	BackoffS    []int `json:"backoff_s,omitempty"`
}

// Check is one typed pre- or post-validation assertion on a step.
type Check struct {
	Type          string `json:"type"` // param_present, step_output_present, resource_state, permission, output_match
	Target        string `json:"target"`
	Expected      any    `json:"expected,omitempty"`
	Pattern       string `json:"pattern,omitempty"`
	PollIntervalS int    `json:"poll_interval_s,omitempty"`
	PollTimeoutS  int    `json:"poll_timeout_s,omitempty"`
}

// Step is either a script step (ScriptRef set) or a nested playbook step
// (PlaybookRef set); exactly one of the two must be present.
type Step struct {
	Name           string            `json:"name"`
	ScriptRef      *ScriptRef        `json:"script_ref,omitempty"`
	PlaybookRef    *PlaybookRef      `json:"playbook_ref,omitempty"`
	ParamMapping   map[string]string `json:"param_mapping,omitempty"`
	FailureAction  string            `json:"failure_action,omitempty"` // stop, ignore, retry
	Retry          *RetrySpec        `json:"retry,omitempty"`
	Importance     string            `json:"importance,omitempty"` // critical, high, low
	PreValidation  []Check           `json:"pre_validation,omitempty"`
	PostValidation []Check           `json:"post_validation,omitempty"`
	TimeoutS       int               `json:"timeout_s,omitempty"`

	// EmbeddedScript carries the referenced script's chosen
	// implementation, denormalized by the sync engine so retrieval
	// needs no second round-trip.
	EmbeddedScript *Script `json:"embedded_script,omitempty"`
}

type ExplainPlan struct {
	Rationale        string   `json:"rationale"`
	Risks            []string `json:"risks,omitempty"`
	RollbackStrategy string   `json:"rollback_strategy,omitempty"`
	SuccessCriteria  []string `json:"success_criteria,omitempty"`
}

type Stats struct {
	ExecutionCount      int       `json:"execution_count"`
	SuccessCount        int       `json:"success_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastExecutedAt      time.Time `json:"last_executed_at,omitempty"`
}

// SuccessRate is the fraction of recorded executions that succeeded.
func (s Stats) SuccessRate() float64 {
	if s.ExecutionCount <= 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.ExecutionCount)
}

// Playbook is a versioned orchestration of steps. A version published
// with non-draft status is immutable; edits create a new version.
type Playbook struct {
	PlaybookID      string           `json:"playbook_id"`
	Version         string           `json:"version"`
	TenantID        string           `json:"tenant_id,omitempty"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Keywords        []string         `json:"keywords,omitempty"`
	UseCases        []string         `json:"use_cases,omitempty"`
	CloudProviders  []string         `json:"cloud_providers,omitempty"`
	ResourceTypes   []string         `json:"resource_types,omitempty"`
	AuthorClass     AuthorClass      `json:"author_class,omitempty"`
	Prerequisites   []string         `json:"prerequisites,omitempty"`
	EstimatedImpact string           `json:"estimated_impact,omitempty"`
	Params          []Param          `json:"params,omitempty"`
	Steps           []Step           `json:"steps"`
	ExplainPlan     ExplainPlan      `json:"explain_plan"`
	Status          lifecycle.Status `json:"status"`
	StorageStrategy StorageStrategy  `json:"storage_strategy,omitempty"`
	Stats           Stats            `json:"stats"`
	QualityScore    int              `json:"quality_score"`
	TestPlan        string           `json:"test_plan,omitempty"`
	CreatedAt       time.Time        `json:"created_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at,omitempty"`
}

// PointID is the vector-index point id for a playbook version.
func (p Playbook) PointID() string {
	return p.PlaybookID + "-" + p.Version
}

// EmbeddingText concatenates the fields the sync engine embeds.
func (p Playbook) EmbeddingText() string {
	parts := []string{p.Name, p.Description}
	parts = append(parts, p.UseCases...)
	parts = append(parts, p.Keywords...)
	out := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part
	}
	return out
}

// Param returns the declared parameter with the given name, if any.
func (p Playbook) Param(name string) (Param, bool) {
	for _, param := range p.Params {
		if param.Name == name {
			return param, true
		}
	}
	return Param{}, false
}

// Output returns the declared output with the given name, if any.
func (s Script) Output(name string) (Output, bool) {
	for _, out := range s.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return Output{}, false
}
