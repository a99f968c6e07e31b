package a2a

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopePopulatesRequiredFields(t *testing.T) {
	env, err := NewEnvelope("vigil-coordinator", "triage", "INC-2026-ABCDE", map[string]any{
		"task":     "triage_alert",
		"alert_id": "a1",
	})
	require.NoError(t, err)

	assert.NoError(t, env.Validate())
	assert.NotEmpty(t, env.MessageID)
	assert.NotEmpty(t, env.Timestamp)
	assert.Equal(t, "INC-2026-ABCDE", env.CorrelationID)
	assert.Equal(t, "triage_alert", env.Task())
}

func TestValidateListsEveryMissingField(t *testing.T) {
	err := (&Envelope{}).Validate()
	require.Error(t, err)

	var ve *EnvelopeValidationError
	require.ErrorAs(t, err, &ve)
	assert.ElementsMatch(t, []string{
		"message_id", "from_agent", "to_agent", "timestamp", "correlation_id", "payload",
	}, ve.Missing)
}

func TestValidateRejectsNullPayload(t *testing.T) {
	env, err := NewEnvelope("a", "b", "c", nil)
	require.NoError(t, err)

	var ve *EnvelopeValidationError
	require.ErrorAs(t, env.Validate(), &ve)
	assert.Equal(t, []string{"payload"}, ve.Missing)
}

func TestPayloadSurvivesWrapUnwrapBitIdentical(t *testing.T) {
	payload := map[string]any{
		"task":       "investigate_incident",
		"alert_ids":  []string{"a1", "a2"},
		"confidence": 0.73,
	}
	env, err := NewEnvelope("vigil-coordinator", "investigator", "INC-1", payload)
	require.NoError(t, err)

	wire, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(wire, &decoded))
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
	assert.Equal(t, "investigate_incident", decoded.Task())
}
