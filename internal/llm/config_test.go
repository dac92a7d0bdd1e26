package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, ProviderGemini, config.Provider)
	assert.Equal(t, "gemini-2.5-flash-lite", config.GetModel(TierLite))
	assert.Equal(t, "gemini-2.5-flash", config.GetModel(TierStandard))
	assert.Equal(t, "gemini-2.5-pro", config.GetModel(TierAdvanced))
}

func TestGetModel_Fallback(t *testing.T) {
	config := &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite: "fallback-model",
		},
	}

	// Unknown tier should fallback to TierStandard, then TierLite
	assert.Equal(t, "fallback-model", config.GetModel("unknown"))
	assert.Equal(t, "", (&Config{Models: map[ModelTier]string{}}).GetModel(TierAdvanced))
}

func TestWithModel(t *testing.T) {
	config := DefaultConfig()
	newConfig := config.WithModel(TierAdvanced, "custom-model")

	assert.Equal(t, "gemini-2.5-pro", config.GetModel(TierAdvanced))
	assert.Equal(t, "custom-model", newConfig.GetModel(TierAdvanced))
	assert.Equal(t, "gemini-2.5-flash-lite", newConfig.GetModel(TierLite))
	assert.Equal(t, config.Temperature, newConfig.Temperature)
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierAdvanced, TierFor(types.TaskPlanGeneration))
	assert.Equal(t, TierStandard, TierFor(types.TaskPreSessionAnalysis))
	assert.Equal(t, TierStandard, TierFor(types.TaskPostSessionExtraction))
	assert.Equal(t, TierStandard, TierFor(types.TaskMergeSynthesis))
	assert.Equal(t, TierLite, TierFor(types.TaskClientSynthesis))
	assert.Equal(t, TierStandard, TierFor("unknown"))
}
