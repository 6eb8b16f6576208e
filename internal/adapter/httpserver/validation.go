package httpserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/pkg/textx"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// manifestRequest is the JSON body of POST /v1/studies.
type manifestRequest struct {
	TenantID  string         `json:"tenant_id" validate:"required,max=100"`
	Queries   []queryRequest `json:"queries" validate:"required,min=1,max=500,dive"`
	Surfaces  []string       `json:"surfaces" validate:"required,min=1,dive,required"`
	Locations []locationBody `json:"locations" validate:"required,min=1,dive"`

	QualityGates struct {
		MinResponseLength    int      `json:"min_response_length" validate:"gte=0"`
		RequireActualContent bool     `json:"require_actual_content"`
		ErrorPatterns        []string `json:"error_patterns"`
		RequiredKeywords     []string `json:"required_keywords"`
		ForbiddenKeywords    []string `json:"forbidden_keywords"`
	} `json:"quality_gates"`

	CompletionCriteria struct {
		RequiredSurfaces  []string `json:"required_surfaces"`
		CoverageThreshold float64  `json:"coverage_threshold" validate:"gte=0,lte=1"`
		OptionalSurfaces  []string `json:"optional_surfaces"`
		MaxRetriesPerCell int      `json:"max_retries_per_cell" validate:"gte=0,lte=10"`
	} `json:"completion_criteria"`

	EvidenceLevel    string     `json:"evidence_level" validate:"omitempty,oneof=none metadata full"`
	LegalHold        bool       `json:"legal_hold"`
	Deadline         *time.Time `json:"deadline"`
	SessionIsolation string     `json:"session_isolation" validate:"omitempty,oneof=shared dedicated-per-study"`
}

type queryRequest struct {
	Text     string `json:"text" validate:"required,max=2000"`
	Category string `json:"category" validate:"max=100"`
}

type locationBody struct {
	ID        string `json:"id" validate:"required,max=100"`
	Country   string `json:"country" validate:"required,len=2"`
	Region    string `json:"region" validate:"max=100"`
	City      string `json:"city" validate:"max=100"`
	ProxyType string `json:"proxy_type" validate:"omitempty,oneof=datacenter residential mobile isp"`
}

// toManifest validates the request and maps it onto the domain manifest.
func (req *manifestRequest) toManifest() (domain.Manifest, error) {
	if err := getValidator().Struct(req); err != nil {
		return domain.Manifest{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	seen := make(map[string]bool, len(req.Surfaces))
	for _, id := range req.Surfaces {
		if seen[id] {
			return domain.Manifest{}, fmt.Errorf("%w: duplicate surface %q", domain.ErrInvalidArgument, id)
		}
		seen[id] = true
	}
	for _, id := range req.CompletionCriteria.RequiredSurfaces {
		if !seen[id] {
			return domain.Manifest{}, fmt.Errorf("%w: required surface %q is not in surfaces", domain.ErrInvalidArgument, id)
		}
	}

	m := domain.Manifest{
		SurfaceIDs: req.Surfaces,
		QualityGates: domain.QualityGates{
			MinResponseLength:    req.QualityGates.MinResponseLength,
			RequireActualContent: req.QualityGates.RequireActualContent,
			ErrorPatterns:        req.QualityGates.ErrorPatterns,
			RequiredKeywords:     req.QualityGates.RequiredKeywords,
			ForbiddenKeywords:    req.QualityGates.ForbiddenKeywords,
		},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredSurfaces: domain.RequiredSurfaces{
				SurfaceIDs:        req.CompletionCriteria.RequiredSurfaces,
				CoverageThreshold: req.CompletionCriteria.CoverageThreshold,
			},
			OptionalSurfaces:  req.CompletionCriteria.OptionalSurfaces,
			MaxRetriesPerCell: req.CompletionCriteria.MaxRetriesPerCell,
		},
		EvidenceLevel:    domain.EvidenceLevel(req.EvidenceLevel),
		LegalHold:        req.LegalHold,
		SessionIsolation: domain.SessionIsolation(req.SessionIsolation),
	}
	if m.EvidenceLevel == "" {
		m.EvidenceLevel = domain.EvidenceMetadata
	}
	if m.SessionIsolation == "" {
		m.SessionIsolation = domain.SessionShared
	}
	if req.Deadline != nil {
		m.Deadline = *req.Deadline
	}
	for _, q := range req.Queries {
		m.Queries = append(m.Queries, domain.Query{
			Text:     textx.SanitizeText(q.Text),
			Category: q.Category,
		})
	}
	for _, loc := range req.Locations {
		proxy := domain.ProxyType(loc.ProxyType)
		if proxy == "" {
			proxy = domain.ProxyDatacenter
		}
		m.Locations = append(m.Locations, domain.Location{
			ID:        loc.ID,
			Country:   loc.Country,
			Region:    loc.Region,
			City:      loc.City,
			ProxyType: proxy,
		})
	}
	return m, nil
}
