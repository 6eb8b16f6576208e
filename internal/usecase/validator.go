package usecase

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/pkg/textx"
)

// CheckSeverity grades a failed check.
type CheckSeverity string

const (
	SeverityError   CheckSeverity = "error"
	SeverityWarning CheckSeverity = "warning"
)

// ValidationStatus is the overall verdict for a job or study check run.
type ValidationStatus string

const (
	ValidationPassed  ValidationStatus = "passed"
	ValidationWarning ValidationStatus = "warning"
	ValidationFailed  ValidationStatus = "failed"
)

// Check is one named validation outcome.
type Check struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Severity CheckSeverity `json:"severity"`
}

// JobValidation is the verdict for one completed job result.
type JobValidation struct {
	Status ValidationStatus `json:"status"`
	Checks []Check          `json:"checks"`
}

// Failed reports whether the result must not count as a completed cell.
func (v JobValidation) Failed() bool { return v.Status == ValidationFailed }

// FailureMessage joins the failed checks for the job error record.
func (v JobValidation) FailureMessage() string {
	var parts []string
	for _, c := range v.Checks {
		if !c.Passed {
			parts = append(parts, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
	}
	return strings.Join(parts, "; ")
}

// Validator applies the manifest's quality gates to job results and the
// completion criteria to study progress. Stateless apart from strict mode.
type Validator struct {
	// StrictMode promotes warning-severity failures to hard failures.
	StrictMode bool
}

// NewValidator constructs a Validator.
func NewValidator(strictMode bool) *Validator {
	return &Validator{StrictMode: strictMode}
}

// ValidateJob runs the job-level checks in order against one result.
func (v *Validator) ValidateJob(res *domain.QueryResponse, gates domain.QualityGates, level domain.EvidenceLevel) JobValidation {
	var checks []Check

	checks = append(checks, check("result_present", res != nil, "no result recorded", SeverityError))
	if res == nil {
		return verdict(checks, v.StrictMode)
	}

	text := textx.NormalizeWhitespace(res.ResponseText)
	if gates.RequireActualContent {
		checks = append(checks, check("content_present", text != "",
			"response text is empty", SeverityError))
	}
	if gates.MinResponseLength > 0 {
		checks = append(checks, check("min_length", len(text) >= gates.MinResponseLength,
			fmt.Sprintf("response length %d below minimum %d", len(text), gates.MinResponseLength), SeverityError))
	}

	lower := strings.ToLower(text)
	for _, pattern := range gates.EffectiveErrorPatterns() {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			checks = append(checks, Check{
				Name:     "error_pattern",
				Passed:   false,
				Message:  fmt.Sprintf("response matches error pattern %q", pattern),
				Severity: SeverityError,
			})
			break
		}
	}

	for _, kw := range gates.RequiredKeywords {
		if !strings.Contains(lower, strings.ToLower(kw)) {
			checks = append(checks, Check{
				Name:     "required_keywords",
				Passed:   false,
				Message:  fmt.Sprintf("required keyword %q missing", kw),
				Severity: SeverityWarning,
			})
		}
	}
	for _, kw := range gates.ForbiddenKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			checks = append(checks, Check{
				Name:     "forbidden_keywords",
				Passed:   false,
				Message:  fmt.Sprintf("forbidden keyword %q present", kw),
				Severity: SeverityWarning,
			})
		}
	}

	if level == domain.EvidenceFull {
		checks = append(checks, check("evidence_present", res.Evidence != nil,
			"full evidence required but none captured", SeverityError))
		if res.Evidence != nil {
			checks = append(checks, check("evidence_screenshot", len(res.Evidence.Screenshot) > 0,
				"full evidence requires a screenshot", SeverityWarning))
		}
	}

	return verdict(checks, v.StrictMode)
}

// CompletionEvaluation is the study-level verdict.
type CompletionEvaluation struct {
	CanComplete bool
	// Unreachable is set when a required surface cannot reach its threshold
	// even if every remaining cell completes; the study should fail now.
	Unreachable bool
	Shortfalls  []domain.SurfaceShortfall
	Warnings    []Check
}

// optionalWarnThreshold flags optional surfaces completing below this rate.
const optionalWarnThreshold = 0.5

// EvaluateCompletion checks the per-surface coverage criteria against the
// current study progress.
func (v *Validator) EvaluateCompletion(progress domain.StudyProgress, criteria domain.CompletionCriteria) CompletionEvaluation {
	eval := CompletionEvaluation{CanComplete: true}
	threshold := criteria.RequiredSurfaces.CoverageThreshold

	for _, surfaceID := range criteria.RequiredSurfaces.SurfaceIDs {
		p := progress.BySurface[surfaceID]
		rate := p.CompletionRate()
		if rate >= threshold {
			continue
		}
		eval.CanComplete = false
		eval.Shortfalls = append(eval.Shortfalls, domain.SurfaceShortfall{
			SurfaceID:      surfaceID,
			CompletionRate: rate,
			Threshold:      threshold,
		})
		// Best case: every pending and executing cell still completes.
		total := p.Total
		if total < 1 {
			total = 1
		}
		best := float64(p.Completed+p.Pending+p.Executing) / float64(total)
		if best < threshold {
			eval.Unreachable = true
		}
	}

	for _, surfaceID := range criteria.OptionalSurfaces {
		p, ok := progress.BySurface[surfaceID]
		if !ok {
			continue
		}
		if rate := p.CompletionRate(); rate < optionalWarnThreshold {
			eval.Warnings = append(eval.Warnings, Check{
				Name:     "optional_surface_coverage",
				Passed:   false,
				Message:  fmt.Sprintf("optional surface %s completed %.0f%% of cells", surfaceID, rate*100),
				Severity: SeverityWarning,
			})
		}
	}
	return eval
}

func check(name string, passed bool, failMsg string, severity CheckSeverity) Check {
	c := Check{Name: name, Passed: passed, Severity: severity}
	if !passed {
		c.Message = failMsg
	}
	return c
}

func verdict(checks []Check, strict bool) JobValidation {
	status := ValidationPassed
	for _, c := range checks {
		if c.Passed {
			continue
		}
		if c.Severity == SeverityError || strict {
			status = ValidationFailed
			break
		}
		status = ValidationWarning
	}
	return JobValidation{Status: status, Checks: checks}
}
