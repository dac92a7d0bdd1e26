// Package llm provides the analysis inference collaborator: model tier
// configuration, structured prompt rendering and the Gemini client.
package llm

import (
	"github.com/jonathan/therapy-pipeline/internal/types"
)

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for simple tasks: short client-facing messages
	TierLite ModelTier = "lite"
	// TierStandard is for moderate reasoning: labelling and extraction
	TierStandard ModelTier = "standard"
	// TierAdvanced is for complex reasoning: treatment planning
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the Google Gemini provider
const ProviderGemini Provider = "gemini"

// Config holds the model configuration for the application
type Config struct {
	Provider    Provider
	Models      map[ModelTier]string
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
		Temperature: 0.1,
	}
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok && model != "" {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok && model != "" {
		return model
	}
	if model, ok := c.Models[TierLite]; ok && model != "" {
		return model
	}
	return "" // No model configured
}

// WithModel returns a new Config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{
		Provider:    c.Provider,
		Models:      make(map[ModelTier]string),
		Temperature: c.Temperature,
	}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	newConfig.Models[tier] = model
	return newConfig
}

// TierFor picks the model tier for an inference task
func TierFor(task string) ModelTier {
	switch task {
	case types.TaskPlanGeneration:
		return TierAdvanced
	case types.TaskPreSessionAnalysis, types.TaskPostSessionExtraction, types.TaskMergeSynthesis:
		return TierStandard
	case types.TaskClientSynthesis:
		return TierLite
	default:
		return TierStandard
	}
}
