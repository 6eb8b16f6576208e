package domain

// SurfaceCategory groups surfaces by protocol family.
type SurfaceCategory string

const (
	CategoryLLMAPI       SurfaceCategory = "llm-api"
	CategoryWebChatbot   SurfaceCategory = "web-chatbot"
	CategorySearchEngine SurfaceCategory = "search-engine"
	CategoryECommerce    SurfaceCategory = "e-commerce"
)

// AuthRequirement describes what a surface needs before it can be queried.
type AuthRequirement string

const (
	AuthNone            AuthRequirement = "none"
	AuthAPIKey          AuthRequirement = "api-key"
	AuthCapturedSession AuthRequirement = "captured-session"
)

// ProxyType describes the egress class of a location.
type ProxyType string

const (
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyResidential ProxyType = "residential"
	ProxyMobile      ProxyType = "mobile"
	ProxyISP         ProxyType = "isp"
)

// SurfaceCapabilities declares what a surface's protocol supports.
type SurfaceCapabilities struct {
	Streaming           bool
	ConversationHistory bool
	SystemPrompt        bool
	MaxInputTokens      int
	MaxOutputTokens     int
}

// SurfaceCost holds the cost coefficients used for per-query accounting.
// Token prices are USD per 1k tokens; PerQuery covers browser and search
// surfaces where no token usage exists.
type SurfaceCost struct {
	InputPer1K  float64
	OutputPer1K float64
	PerQuery    float64
}

// Surface is a named external service the system can query. Immutable;
// instances come from the surface catalog.
type Surface struct {
	ID              string
	Category        SurfaceCategory
	AuthRequirement AuthRequirement
	Capabilities    SurfaceCapabilities
	RateLimitRPM    int
	Cost            SurfaceCost
	DefaultModel    string
}

// Location is a named request-origin context. Immutable.
type Location struct {
	ID        string
	Country   string
	Region    string
	City      string
	ProxyType ProxyType
}

// Query is one request text plus an optional category tag. Immutable.
type Query struct {
	Text     string
	Category string
}
