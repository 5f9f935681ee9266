package jobs

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/reefworks/reefworks/internal/common/reeferrors"
)

// Payload is the typed input document of a job. Each JobType has exactly one
// payload schema, validated before the job ever reaches the store.
type Payload interface {
	JobType() JobType
	Validate() error
}

// RegionalAssessmentInput selects reef sites within a region that satisfy
// bathymetry and geomorphic criteria.
type RegionalAssessmentInput struct {
	Region   string   `json:"region"`
	Reefs    []string `json:"reefs,omitempty"`
	DepthMin float64  `json:"depth_min"`
	DepthMax float64  `json:"depth_max"`
	SlopeMin *float64 `json:"slope_min,omitempty"`
	SlopeMax *float64 `json:"slope_max,omitempty"`
	// Upper bounds on environmental exposure, in dataset units.
	WavesMax     *float64 `json:"waves_max,omitempty"`
	TurbidityMax *float64 `json:"turbidity_max,omitempty"`
}

func (p *RegionalAssessmentInput) JobType() JobType { return RegionalAssessment }

func (p *RegionalAssessmentInput) Validate() error {
	if p.Region == "" {
		return fieldError(RegionalAssessment, "region is required")
	}
	// Depths are metres relative to datum, so always non-positive.
	if p.DepthMin > 0 || p.DepthMax > 0 {
		return fieldError(RegionalAssessment, "depth bounds must be non-positive metres")
	}
	if p.DepthMin >= p.DepthMax {
		return fieldError(RegionalAssessment, "depth_min must be below depth_max")
	}
	if p.SlopeMin != nil && *p.SlopeMin < 0 {
		return fieldError(RegionalAssessment, "slope_min must be non-negative")
	}
	if p.SlopeMin != nil && p.SlopeMax != nil && *p.SlopeMin > *p.SlopeMax {
		return fieldError(RegionalAssessment, "slope_min must not exceed slope_max")
	}
	if p.WavesMax != nil && *p.WavesMax < 0 {
		return fieldError(RegionalAssessment, "waves_max must be non-negative")
	}
	if p.TurbidityMax != nil && *p.TurbidityMax < 0 {
		return fieldError(RegionalAssessment, "turbidity_max must be non-negative")
	}
	return nil
}

// SuitabilityAssessmentInput scores candidate deployment sites of a given
// footprint against the regional criteria.
type SuitabilityAssessmentInput struct {
	RegionalAssessmentInput
	XDist     int     `json:"x_dist"`
	YDist     int     `json:"y_dist"`
	Threshold float64 `json:"threshold"`
}

func (p *SuitabilityAssessmentInput) JobType() JobType { return SuitabilityAssessment }

func (p *SuitabilityAssessmentInput) Validate() error {
	if err := p.RegionalAssessmentInput.Validate(); err != nil {
		var invalid *reeferrors.ErrInvalidPayload
		if errors.As(err, &invalid) {
			return fieldError(SuitabilityAssessment, invalid.Message)
		}
		return err
	}
	if p.XDist <= 0 || p.YDist <= 0 {
		return fieldError(SuitabilityAssessment, "x_dist and y_dist must be positive")
	}
	if p.Threshold <= 0 || p.Threshold > 100 {
		return fieldError(SuitabilityAssessment, "threshold must be in (0, 100]")
	}
	return nil
}

// SimulationRunInput launches a batch of ecological model runs.
type SimulationRunInput struct {
	Scenario   string             `json:"scenario"`
	Runs       int                `json:"runs"`
	RCP        string             `json:"rcp,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

func (p *SimulationRunInput) JobType() JobType { return SimulationRun }

func (p *SimulationRunInput) Validate() error {
	if p.Scenario == "" {
		return fieldError(SimulationRun, "scenario is required")
	}
	if p.Runs < 1 {
		return fieldError(SimulationRun, "runs must be at least 1")
	}
	return nil
}

// DataRefreshInput reloads source datasets; an empty list means all.
type DataRefreshInput struct {
	Datasets []string `json:"datasets,omitempty"`
	Force    bool     `json:"force,omitempty"`
}

func (p *DataRefreshInput) JobType() JobType { return DataRefresh }

func (p *DataRefreshInput) Validate() error {
	for _, d := range p.Datasets {
		if d == "" {
			return fieldError(DataRefresh, "dataset names must be non-empty")
		}
	}
	return nil
}

// DecodePayload parses and validates the raw payload document for the given
// job type. Unknown fields are rejected so that typos in criteria names fail
// loudly instead of silently widening the search.
func DecodePayload(jobType JobType, raw json.RawMessage) (Payload, error) {
	if !jobType.IsValid() {
		return nil, &reeferrors.ErrInvalidPayload{JobType: string(jobType), Message: "unknown job type"}
	}

	var payload Payload
	switch jobType {
	case RegionalAssessment:
		payload = &RegionalAssessmentInput{}
	case SuitabilityAssessment:
		payload = &SuitabilityAssessmentInput{}
	case SimulationRun:
		payload = &SimulationRunInput{}
	case DataRefresh:
		payload = &DataRefreshInput{}
	}

	if err := strictUnmarshal(raw, payload); err != nil {
		return nil, &reeferrors.ErrInvalidPayload{JobType: string(jobType), Message: err.Error()}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func strictUnmarshal(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func fieldError(jobType JobType, msg string) error {
	return &reeferrors.ErrInvalidPayload{JobType: string(jobType), Message: msg}
}
