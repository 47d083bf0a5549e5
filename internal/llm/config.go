// Package llm provides centralized text-model configuration and client
// abstractions for the generation pipeline.
package llm

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for simple tasks: classification, short structured output
	TierLite ModelTier = "lite"
	// TierStandard is for the creative pipeline stages: prompts, reflections, streams
	TierStandard ModelTier = "standard"
	// TierAdvanced is for complex structured reasoning: subject expansion
	TierAdvanced ModelTier = "advanced"
)

// Config holds the model configuration for the service
type Config struct {
	Models map[ModelTier]string
}

// DefaultConfig returns the default Gemini model mapping
func DefaultConfig() *Config {
	return &Config{
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
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
