package domain

import "time"

// EvidenceLevel controls how much content is archived for a completed job.
type EvidenceLevel string

const (
	EvidenceNone     EvidenceLevel = "none"
	EvidenceMetadata EvidenceLevel = "metadata"
	EvidenceFull     EvidenceLevel = "full"
)

// SessionIsolation controls whether browser-driven surfaces reuse a shared
// captured session or get one scoped to the study.
type SessionIsolation string

const (
	SessionShared    SessionIsolation = "shared"
	SessionDedicated SessionIsolation = "dedicated-per-study"
)

// DefaultErrorPatterns are the response substrings the validator treats as an
// upstream error page when the manifest does not override them.
var DefaultErrorPatterns = []string{
	"404",
	"rate limit",
	"internal server error",
	"service unavailable",
}

// QualityGates are the per-job acceptance rules of a manifest.
type QualityGates struct {
	MinResponseLength    int
	RequireActualContent bool
	ErrorPatterns        []string
	RequiredKeywords     []string
	ForbiddenKeywords    []string
}

// EffectiveErrorPatterns returns the configured patterns, falling back to the
// defaults when none are set.
func (g QualityGates) EffectiveErrorPatterns() []string {
	if len(g.ErrorPatterns) > 0 {
		return g.ErrorPatterns
	}
	return DefaultErrorPatterns
}

// RequiredSurfaces names the surfaces a study must cover and the minimum
// fraction of cells per surface that must complete.
type RequiredSurfaces struct {
	SurfaceIDs        []string
	CoverageThreshold float64
}

// CompletionCriteria decides when a study counts as done.
type CompletionCriteria struct {
	RequiredSurfaces  RequiredSurfaces
	OptionalSurfaces  []string
	MaxRetriesPerCell int
}

// Manifest is the validated, immutable unit of client submission.
type Manifest struct {
	Queries            []Query
	SurfaceIDs         []string
	Locations          []Location
	QualityGates       QualityGates
	CompletionCriteria CompletionCriteria
	EvidenceLevel      EvidenceLevel
	LegalHold          bool
	Deadline           time.Time
	SessionIsolation   SessionIsolation
}

// CellCount is the number of jobs the manifest expands into.
func (m Manifest) CellCount() int {
	return len(m.Queries) * len(m.SurfaceIDs) * len(m.Locations)
}

// MaxAttemptsPerCell reads MaxRetriesPerCell as the total attempts budget for
// a cell, floored at one so that zero means "no retries, single attempt".
func (m Manifest) MaxAttemptsPerCell() int {
	if m.CompletionCriteria.MaxRetriesPerCell < 1 {
		return 1
	}
	return m.CompletionCriteria.MaxRetriesPerCell
}
