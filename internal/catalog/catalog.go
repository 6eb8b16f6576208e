// Package catalog loads and validates the surface catalog: the immutable set
// of surfaces the system can query, with their categories, capabilities,
// rate limits, and pricing. Adapter construction at startup is driven by it.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

//go:embed surfaces.yaml
var defaultCatalogYAML []byte

// Entry is one surface declaration in the YAML catalog.
type Entry struct {
	ID              string  `yaml:"id"`
	Category        string  `yaml:"category"`
	AuthRequirement string  `yaml:"auth"`
	RateLimitRPM    int     `yaml:"rate_limit_rpm"`
	DefaultModel    string  `yaml:"default_model,omitempty"`
	InputPer1K      float64 `yaml:"input_per_1k,omitempty"`
	OutputPer1K     float64 `yaml:"output_per_1k,omitempty"`
	PerQuery        float64 `yaml:"per_query,omitempty"`
	Capabilities    struct {
		Streaming           bool `yaml:"streaming"`
		ConversationHistory bool `yaml:"conversation_history"`
		SystemPrompt        bool `yaml:"system_prompt"`
		MaxInputTokens      int  `yaml:"max_input_tokens"`
		MaxOutputTokens     int  `yaml:"max_output_tokens"`
	} `yaml:"capabilities"`
}

// File is the YAML catalog document.
type File struct {
	Surfaces []Entry `yaml:"surfaces"`
}

// Catalog is the validated, immutable surface set keyed by id.
type Catalog struct {
	byID  map[string]domain.Surface
	order []string
}

// Load reads the catalog at path, or the embedded default when path is
// empty.
func Load(path string) (*Catalog, error) {
	raw := defaultCatalogYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=catalog.Load: %w", err)
		}
		raw = b
	}
	return Parse(raw)
}

// Parse decodes and validates catalog YAML.
func Parse(raw []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=catalog.Parse: %w", err)
	}
	if len(f.Surfaces) == 0 {
		return nil, fmt.Errorf("op=catalog.Parse: %w: catalog declares no surfaces", domain.ErrInvalidArgument)
	}

	c := &Catalog{byID: make(map[string]domain.Surface, len(f.Surfaces))}
	for i, e := range f.Surfaces {
		s, err := e.toSurface()
		if err != nil {
			return nil, fmt.Errorf("op=catalog.Parse: surface %d (%q): %w", i, e.ID, err)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("op=catalog.Parse: %w: duplicate surface id %q", domain.ErrInvalidArgument, s.ID)
		}
		c.byID[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	return c, nil
}

func (e Entry) toSurface() (domain.Surface, error) {
	if e.ID == "" {
		return domain.Surface{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	category := domain.SurfaceCategory(e.Category)
	switch category {
	case domain.CategoryLLMAPI, domain.CategoryWebChatbot, domain.CategorySearchEngine, domain.CategoryECommerce:
	default:
		return domain.Surface{}, fmt.Errorf("%w: unknown category %q", domain.ErrInvalidArgument, e.Category)
	}
	auth := domain.AuthRequirement(e.AuthRequirement)
	switch auth {
	case domain.AuthNone, domain.AuthAPIKey, domain.AuthCapturedSession:
	default:
		return domain.Surface{}, fmt.Errorf("%w: unknown auth requirement %q", domain.ErrInvalidArgument, e.AuthRequirement)
	}
	if e.RateLimitRPM < 0 {
		return domain.Surface{}, fmt.Errorf("%w: negative rate limit", domain.ErrInvalidArgument)
	}
	return domain.Surface{
		ID:              e.ID,
		Category:        category,
		AuthRequirement: auth,
		RateLimitRPM:    e.RateLimitRPM,
		DefaultModel:    e.DefaultModel,
		Capabilities: domain.SurfaceCapabilities{
			Streaming:           e.Capabilities.Streaming,
			ConversationHistory: e.Capabilities.ConversationHistory,
			SystemPrompt:        e.Capabilities.SystemPrompt,
			MaxInputTokens:      e.Capabilities.MaxInputTokens,
			MaxOutputTokens:     e.Capabilities.MaxOutputTokens,
		},
		Cost: domain.SurfaceCost{
			InputPer1K:  e.InputPer1K,
			OutputPer1K: e.OutputPer1K,
			PerQuery:    e.PerQuery,
		},
	}, nil
}

// Get returns the surface by id.
func (c *Catalog) Get(id string) (domain.Surface, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// All returns the surfaces in declaration order.
func (c *Catalog) All() []domain.Surface {
	out := make([]domain.Surface, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Map returns an id-keyed copy for the orchestrator.
func (c *Catalog) Map() map[string]domain.Surface {
	out := make(map[string]domain.Surface, len(c.byID))
	for id, s := range c.byID {
		out[id] = s
	}
	return out
}

// Len is the number of declared surfaces.
func (c *Catalog) Len() int { return len(c.order) }
