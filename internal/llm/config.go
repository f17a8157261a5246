// Package llm provides centralized LLM configuration and client abstractions.
// Model tiers let callers ask for "cheap" or "capable" without naming a model.
package llm

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for thought-chain updates and other short structured output
	TierLite ModelTier = "lite"
	// TierStandard is for subtask execution
	TierStandard ModelTier = "standard"
	// TierAdvanced is for planning and report writing
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the Google Gemini provider
const ProviderGemini Provider = "gemini"

// Pricing is the USD cost per million tokens for a model
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Config holds the model configuration for the application
type Config struct {
	Provider    Provider
	Models      map[ModelTier]string
	Pricing     map[string]Pricing
	Temperature float32
}

// DefaultConfig returns the default configuration (currently Gemini)
func DefaultConfig() *Config {
	return DefaultGeminiConfig()
}

// DefaultGeminiConfig returns the default Gemini configuration
func DefaultGeminiConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		Pricing: map[string]Pricing{
			"gemini-2.5-flash-lite": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
			"gemini-2.5-flash":      {InputPerMillion: 0.30, OutputPerMillion: 2.50},
			"gemini-2.5-pro":        {InputPerMillion: 1.25, OutputPerMillion: 10.00},
		},
		Temperature: 0.1,
	}
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}

// WithModel returns a new Config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{
		Provider:    c.Provider,
		Models:      make(map[ModelTier]string, len(c.Models)+1),
		Pricing:     c.Pricing,
		Temperature: c.Temperature,
	}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	newConfig.Models[tier] = model
	return newConfig
}

// EstimateCost prices a call from its token counts. Unknown models cost nothing.
func (c *Config) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.Pricing[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.InputPerMillion + float64(outputTokens)*p.OutputPerMillion) / 1_000_000
}
