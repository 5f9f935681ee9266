package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reefworks/reefworks/internal/common/reeferrors"
)

func TestDecodePayloadRegionalAssessment(t *testing.T) {
	payload, err := DecodePayload(RegionalAssessment,
		[]byte(`{"region":"moreton-bay","depth_min":-10,"depth_max":-2,"slope_min":0,"slope_max":40}`))
	require.NoError(t, err)

	input, ok := payload.(*RegionalAssessmentInput)
	require.True(t, ok)
	assert.Equal(t, "moreton-bay", input.Region)
	assert.Equal(t, -10.0, input.DepthMin)
}

func TestDecodePayloadRejectsUnknownJobType(t *testing.T) {
	_, err := DecodePayload("SPACE_ASSESSMENT", []byte(`{}`))
	var invalid *reeferrors.ErrInvalidPayload
	assert.ErrorAs(t, err, &invalid)
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	_, err := DecodePayload(RegionalAssessment,
		[]byte(`{"region":"moreton-bay","depth_min":-10,"depth_max":-2,"depht_min":-5}`))
	var invalid *reeferrors.ErrInvalidPayload
	assert.ErrorAs(t, err, &invalid)
}

func TestRegionalAssessmentValidation(t *testing.T) {
	ptr := func(v float64) *float64 { return &v }
	cases := map[string]RegionalAssessmentInput{
		"missing region":        {DepthMin: -10, DepthMax: -2},
		"positive depth":        {Region: "x", DepthMin: 2, DepthMax: 5},
		"inverted depth bounds": {Region: "x", DepthMin: -2, DepthMax: -10},
		"negative slope_min":    {Region: "x", DepthMin: -10, DepthMax: -2, SlopeMin: ptr(-1)},
		"negative waves_max":    {Region: "x", DepthMin: -10, DepthMax: -2, WavesMax: ptr(-0.5)},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			in := input
			var invalid *reeferrors.ErrInvalidPayload
			assert.ErrorAs(t, in.Validate(), &invalid)
		})
	}

	valid := RegionalAssessmentInput{Region: "x", DepthMin: -10, DepthMax: -2}
	assert.NoError(t, valid.Validate())
}

func TestSuitabilityAssessmentValidation(t *testing.T) {
	base := RegionalAssessmentInput{Region: "x", DepthMin: -10, DepthMax: -2}

	valid := SuitabilityAssessmentInput{RegionalAssessmentInput: base, XDist: 100, YDist: 50, Threshold: 80}
	assert.NoError(t, valid.Validate())

	var invalid *reeferrors.ErrInvalidPayload

	zeroFootprint := SuitabilityAssessmentInput{RegionalAssessmentInput: base, XDist: 0, YDist: 50, Threshold: 80}
	assert.ErrorAs(t, zeroFootprint.Validate(), &invalid)

	badThreshold := SuitabilityAssessmentInput{RegionalAssessmentInput: base, XDist: 100, YDist: 50, Threshold: 101}
	assert.ErrorAs(t, badThreshold.Validate(), &invalid)

	// Regional criteria are validated through the embedded input.
	badRegion := SuitabilityAssessmentInput{XDist: 100, YDist: 50, Threshold: 80}
	err := badRegion.Validate()
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, string(SuitabilityAssessment), invalid.JobType)
}

func TestSimulationRunValidation(t *testing.T) {
	valid := SimulationRunInput{Scenario: "rcp45", Runs: 10}
	assert.NoError(t, valid.Validate())

	var invalid *reeferrors.ErrInvalidPayload
	noScenario := SimulationRunInput{Runs: 10}
	assert.ErrorAs(t, noScenario.Validate(), &invalid)
	zeroRuns := SimulationRunInput{Scenario: "rcp45"}
	assert.ErrorAs(t, zeroRuns.Validate(), &invalid)
}

func TestDataRefreshValidation(t *testing.T) {
	all := DataRefreshInput{}
	assert.NoError(t, all.Validate())

	var invalid *reeferrors.ErrInvalidPayload
	empty := DataRefreshInput{Datasets: []string{"bathymetry", ""}}
	assert.ErrorAs(t, empty.Validate(), &invalid)
}
