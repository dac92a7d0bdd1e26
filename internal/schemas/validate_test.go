package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{ClientSynthesis, ClinicalOutput, MergeSynthesis, TreatmentPlan}, Names())
}

func TestValidate_ClinicalOutput(t *testing.T) {
	valid := `{"labels":["attachment:anxious"],"summary":"x","evidence":["e"],"risk_scores":{"a":0.5}}`
	assert.NoError(t, Validate(ClinicalOutput, []byte(valid)))

	tests := []struct {
		name string
		doc  string
	}{
		{"missing labels", `{"summary":"x"}`},
		{"labels wrong type", `{"labels":"attachment:anxious"}`},
		{"unknown field", `{"labels":[],"notes":"free"}`},
		{"risk score not numeric", `{"labels":[],"risk_scores":{"a":"high"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(ClinicalOutput, []byte(tt.doc))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, ClinicalOutput, ve.Schema)
			assert.NotEmpty(t, ve.Errors)
		})
	}
}

func TestValidate_Synthesis(t *testing.T) {
	assert.NoError(t, Validate(ClientSynthesis, []byte(`{"message":"hello","focus_areas":["trust"]}`)))
	assert.Error(t, Validate(ClientSynthesis, []byte(`{"message":""}`)))
	assert.NoError(t, Validate(MergeSynthesis, []byte(`{"guidance":"talk weekly"}`)))
	assert.NoError(t, Validate(TreatmentPlan, []byte(`{"goals":["sleep"],"version":2}`)))
	assert.Error(t, Validate(TreatmentPlan, []byte(`{"goals":["sleep"],"version":-1}`)))
}

func TestValidate_NotJSON(t *testing.T) {
	err := Validate(ClinicalOutput, []byte(`{not json`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("intake_form", []byte(`{}`))
	var le *SchemaLoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, err.Error(), "unknown schema")
}
