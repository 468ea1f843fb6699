package coordinator

import (
	"errors"
	"fmt"
)

// State is a position in the matching pipeline.
type State string

const (
	StateIdle                 State = "Idle"
	StateEligibilityReceived  State = "EligibilityReceived"
	StatePatternsMatched      State = "PatternsMatched"
	StateCandidatesDiscovered State = "CandidatesDiscovered"
	StatePatientsScored       State = "PatientsScored"
	StatePatientsValidated    State = "PatientsValidated"
	StateSitesScored          State = "SitesScored"
	StateForecastComputed     State = "ForecastComputed"
	StateDone                 State = "Done"
	StateFailed               State = "Failed"
)

const (
	StageEligibility   = "eligibility"
	StagePatterns      = "pattern_matching"
	StageCandidates    = "candidate_discovery"
	StageScoring       = "patient_scoring"
	StageValidation    = "exclusion_validation"
	StageSites         = "site_scoring"
	StageForecast      = "enrollment_forecast"
	statusSuccess      = "success"
	statusPartial      = "partial"
	statusError        = "error"
	defaultInsightSize = 10
)

// Stages lists the stage names in execution order.
var Stages = []string{StageEligibility, StagePatterns, StageCandidates, StageScoring, StageValidation, StageSites, StageForecast}

// completes maps each stage to the state reached when it succeeds.
var completes = map[string]State{
	StageEligibility: StateEligibilityReceived,
	StagePatterns:    StatePatternsMatched,
	StageCandidates:  StateCandidatesDiscovered,
	StageScoring:     StatePatientsScored,
	StageValidation:  StatePatientsValidated,
	StageSites:       StateSitesScored,
	StageForecast:    StateForecastComputed,
}

var ErrStageTimeout = errors.New("stage deadline exceeded")

// StageError names the stage a request failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// InputError is a request the caller must correct. The pipeline stays Idle.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return e.Err.Error()
}

func (e *InputError) Unwrap() error { return e.Err }

func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// StageNameFromError returns the failed stage, or "pipeline" when none is attached.
func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "pipeline"
}
