package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResultEnvelope_AcceptsEmptyDatasetsArray(t *testing.T) {
	raw := []byte(`{"plan":"p","code":"c","datasets_successfully_tested":[]}`)
	env, err := DecodeResultEnvelope(raw)
	require.NoError(t, err)
	assert.Empty(t, env.DatasetsSuccessfullyTested)
	assert.NoError(t, ValidateCommon(env))
}

func TestDecodeResultEnvelope_RejectsUnknownKey(t *testing.T) {
	raw := []byte(`{"plan":"p","code":"c","not_a_real_field":true}`)
	_, err := DecodeResultEnvelope(raw)
	assert.Error(t, err)
}

func TestDecodeResultEnvelope_RejectsMetricKey(t *testing.T) {
	raw := []byte(`{"plan":"p","code":"c","metric":{"accuracy":0.9}}`)
	_, err := DecodeResultEnvelope(raw)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "metric")
}
