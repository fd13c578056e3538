package quality

import (
	"fmt"
	"strings"

	"opspilot/internal/catalog"
)

// Publication thresholds. Below Blocking the draft cannot publish; between
// Blocking and Clean it publishes with warnings; at Featured and above the
// version earns a featured rank bonus.
const (
	BlockingThreshold = 50
	CleanThreshold    = 70
	FeaturedThreshold = 90
)

// ValidationResult is the outcome of static analysis over a draft. All
// feedback lists hold human-actionable sentences; authors are expected
// to iterate on them.
type ValidationResult struct {
	Score          int      `json:"score"`
	Strengths      []string `json:"strengths,omitempty"`
	Improvements   []string `json:"improvements,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	BlockingIssues []string `json:"blocking_issues,omitempty"`
}

// Publishable reports whether the draft clears the quality gate.
func (r ValidationResult) Publishable() bool {
	return len(r.BlockingIssues) == 0 && r.Score >= BlockingThreshold
}

// Featured reports whether the draft qualifies for the featured rank
// bonus.
func (r ValidationResult) Featured() bool {
	return r.Score >= FeaturedThreshold
}

// Validate statically scores a playbook draft across five weighted
// categories: metadata completeness (30), documentation quality (25),
// parameter design (20), error-handling coverage (15), and testing
// coverage (10). A structurally invalid draft short-circuits with a
// blocking issue and a zero score.
func Validate(p catalog.Playbook) ValidationResult {
	var r ValidationResult
	if err := catalog.ValidatePlaybook(p); err != nil {
		r.BlockingIssues = append(r.BlockingIssues, fmt.Sprintf("structural validation failed: %v", err))
		return r
	}

	r.Score += scoreMetadata(p, &r)
	r.Score += scoreDocumentation(p, &r)
	r.Score += scoreParams(p, &r)
	r.Score += scoreErrorHandling(p, &r)
	r.Score += scoreTesting(p, &r)

	if r.Score < BlockingThreshold {
		r.BlockingIssues = append(r.BlockingIssues,
			fmt.Sprintf("quality score %d is below the publication minimum of %d; address the improvements above and resubmit", r.Score, BlockingThreshold))
	} else if r.Score < CleanThreshold {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("quality score %d is below %d; the playbook publishes but ranks lower until improved", r.Score, CleanThreshold))
	}
	return r
}

// scoreMetadata awards up to 30 points for description clarity (10),
// keyword coverage (8), use cases (7), and prerequisites (5).
func scoreMetadata(p catalog.Playbook, r *ValidationResult) int {
	score := 0

	desc := strings.TrimSpace(p.Description)
	switch {
	case len(desc) >= 80:
		score += 10
		r.Strengths = append(r.Strengths, "description explains the playbook's purpose in detail")
	case len(desc) >= 30:
		score += 6
		r.Improvements = append(r.Improvements, "expand the description: say what the playbook changes and when to use it")
	case len(desc) > 0:
		score += 2
		r.Improvements = append(r.Improvements, "the description is too short to rank well; aim for a few sentences")
	default:
		r.Improvements = append(r.Improvements, "add a description")
	}

	switch {
	case len(p.Keywords) >= 5:
		score += 8
		r.Strengths = append(r.Strengths, "keyword coverage supports discovery")
	case len(p.Keywords) >= 2:
		score += 4
		r.Improvements = append(r.Improvements, "add more keywords (at least 5) so searches can find this playbook")
	default:
		r.Improvements = append(r.Improvements, "add keywords describing the problem this playbook solves")
	}

	switch {
	case len(p.UseCases) >= 2:
		score += 7
		r.Strengths = append(r.Strengths, "multiple use cases documented")
	case len(p.UseCases) == 1:
		score += 3
		r.Improvements = append(r.Improvements, "document at least two use cases")
	default:
		r.Improvements = append(r.Improvements, "document the situations this playbook applies to")
	}

	if len(p.Prerequisites) > 0 {
		score += 5
	} else {
		r.Improvements = append(r.Improvements, "list prerequisites (permissions, tools, preconditions) even if empty on purpose")
	}
	return score
}

// scoreDocumentation awards up to 25 points for the explain plan:
// rationale (10), risks (8), rollback strategy (7).
func scoreDocumentation(p catalog.Playbook, r *ValidationResult) int {
	score := 0
	plan := p.ExplainPlan

	rationale := strings.TrimSpace(plan.Rationale)
	switch {
	case len(rationale) >= 60:
		score += 10
		r.Strengths = append(r.Strengths, "explain plan documents the rationale")
	case len(rationale) > 0:
		score += 5
		r.Improvements = append(r.Improvements, "expand the explain-plan rationale: reviewers approve based on it")
	default:
		r.Improvements = append(r.Improvements, "write an explain-plan rationale")
	}

	if len(plan.Risks) > 0 {
		score += 8
		r.Strengths = append(r.Strengths, "risks are documented")
	} else {
		r.Improvements = append(r.Improvements, "document the risks of running this playbook")
	}

	if strings.TrimSpace(plan.RollbackStrategy) != "" {
		score += 7
	} else {
		r.Improvements = append(r.Improvements, "document a rollback strategy")
	}
	return score
}

// scoreParams awards up to 20 points for parameter design: naming (5),
// validation rules (5), extraction hints (5), safe optional defaults
// (5). A playbook with no parameters has nothing to get wrong and takes
// full marks.
func scoreParams(p catalog.Playbook, r *ValidationResult) int {
	if len(p.Params) == 0 {
		return 20
	}
	score := 0

	clearNames := 0
	withValidation := 0
	withHint := 0
	optional := 0
	optionalWithDefault := 0
	for _, param := range p.Params {
		if len(param.Name) >= 3 && !strings.ContainsAny(param.Name, " \t") {
			clearNames++
		}
		if strings.TrimSpace(param.Validation) != "" {
			withValidation++
		}
		if param.Hint != nil {
			withHint++
		}
		if !param.Required {
			optional++
			if param.Default != nil {
				optionalWithDefault++
			}
		}
	}

	total := len(p.Params)
	if clearNames == total {
		score += 5
	} else {
		r.Improvements = append(r.Improvements, "use descriptive, whitespace-free parameter names")
	}
	if withValidation*2 >= total {
		score += 5
	} else {
		r.Improvements = append(r.Improvements, "add validation rules to parameters so bad inputs fail before execution")
	}
	if withHint*2 >= total {
		score += 5
		r.Strengths = append(r.Strengths, "extraction hints let values be pre-filled automatically")
	} else {
		r.Improvements = append(r.Improvements, "add extraction hints so parameter values can be sourced without asking the user")
	}
	if optional == 0 || optionalWithDefault == optional {
		score += 5
	} else {
		r.Improvements = append(r.Improvements, "give every optional parameter a safe default")
	}
	return score
}

// scoreErrorHandling awards up to 15 points: validation checks on
// critical steps (8), explicit failure actions (4), retry policies
// where failure_action is retry (3).
func scoreErrorHandling(p catalog.Playbook, r *ValidationResult) int {
	score := 0

	critical := 0
	criticalChecked := 0
	withAction := 0
	retrySteps := 0
	retryConfigured := 0
	for _, step := range p.Steps {
		if step.Importance == "critical" {
			critical++
			if len(step.PreValidation) > 0 || len(step.PostValidation) > 0 {
				criticalChecked++
			}
		}
		if step.FailureAction != "" {
			withAction++
		}
		if step.FailureAction == "retry" {
			retrySteps++
			if step.Retry != nil && step.Retry.MaxAttempts > 0 {
				retryConfigured++
			}
		}
	}

	if critical == 0 || criticalChecked == critical {
		score += 8
		if critical > 0 {
			r.Strengths = append(r.Strengths, "every critical step carries validation checks")
		}
	} else {
		r.Improvements = append(r.Improvements, "add pre- or post-validation checks to every critical step")
	}
	if withAction == len(p.Steps) {
		score += 4
	} else {
		r.Improvements = append(r.Improvements, "set an explicit failure_action on every step")
	}
	if retrySteps == 0 || retryConfigured == retrySteps {
		score += 3
	} else {
		r.Improvements = append(r.Improvements, "retry steps need a retry policy with max_attempts")
	}
	return score
}

// scoreTesting awards up to 10 points for a documented test or dry-run
// plan.
func scoreTesting(p catalog.Playbook, r *ValidationResult) int {
	plan := strings.TrimSpace(p.TestPlan)
	switch {
	case len(plan) >= 40:
		r.Strengths = append(r.Strengths, "test plan documents how to verify the playbook safely")
		return 10
	case len(plan) > 0:
		r.Improvements = append(r.Improvements, "expand the test plan: how is this playbook verified without touching production?")
		return 5
	default:
		r.Improvements = append(r.Improvements, "document a test or dry-run plan")
		return 0
	}
}
