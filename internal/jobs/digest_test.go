package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadHashIgnoresKeyOrder(t *testing.T) {
	a, err := PayloadHash(RegionalAssessment, []byte(`{"region":"moreton-bay","depth_min":-10,"depth_max":-2}`))
	require.NoError(t, err)
	b, err := PayloadHash(RegionalAssessment, []byte(`{"depth_max":-2,"depth_min":-10,"region":"moreton-bay"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPayloadHashIgnoresWhitespace(t *testing.T) {
	a, err := PayloadHash(SimulationRun, []byte(`{"scenario":"rcp45","runs":10}`))
	require.NoError(t, err)
	b, err := PayloadHash(SimulationRun, []byte(`{
		"scenario": "rcp45",
		"runs": 10
	}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPayloadHashIgnoresNullMembers(t *testing.T) {
	a, err := PayloadHash(RegionalAssessment, []byte(`{"region":"moreton-bay","slope_min":null}`))
	require.NoError(t, err)
	b, err := PayloadHash(RegionalAssessment, []byte(`{"region":"moreton-bay"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPayloadHashKeepsNullArrayElements(t *testing.T) {
	a, err := PayloadHash(DataRefresh, []byte(`{"datasets":["a",null,"b"]}`))
	require.NoError(t, err)
	b, err := PayloadHash(DataRefresh, []byte(`{"datasets":["a","b"]}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPayloadHashDistinguishesValues(t *testing.T) {
	a, err := PayloadHash(RegionalAssessment, []byte(`{"region":"moreton-bay"}`))
	require.NoError(t, err)
	b, err := PayloadHash(RegionalAssessment, []byte(`{"region":"cairns"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPayloadHashDistinguishesJobTypes(t *testing.T) {
	payload := []byte(`{"region":"moreton-bay"}`)
	a, err := PayloadHash(RegionalAssessment, payload)
	require.NoError(t, err)
	b, err := PayloadHash(SuitabilityAssessment, payload)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPayloadHashPreservesNumberPrecision(t *testing.T) {
	a, err := PayloadHash(SimulationRun, []byte(`{"scenario":"x","runs":9007199254740993}`))
	require.NoError(t, err)
	b, err := PayloadHash(SimulationRun, []byte(`{"scenario":"x","runs":9007199254740992}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCanonicalPayloadRejectsInvalidJson(t *testing.T) {
	_, err := CanonicalPayload([]byte(`{"region":`))
	assert.Error(t, err)
}
