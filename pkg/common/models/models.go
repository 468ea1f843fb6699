package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // match.requested, match.completed, patterns.discovered
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Patterns
type PatternCluster struct {
	ID                    string             `json:"pattern_id"`
	Centroid              []float64          `json:"centroid"`
	MemberCount           int                `json:"member_count"`
	HistoricalSuccessRate float64            `json:"historical_success_rate"`
	Confidence            float64            `json:"confidence"`
	MemberPatientIDs      []string           `json:"member_patient_ids"`
	Spread                float64            `json:"spread"` // mean member distance to centroid
	AgeMin                int                `json:"age_min"`
	AgeMax                int                `json:"age_max"`
	AgeMean               float64            `json:"age_mean"`
	TopConditions         []terminology.Code `json:"top_conditions,omitempty"`
}

type DiscoveryStatistics struct {
	TotalPatients      int `json:"total_patients"`
	PatternsDiscovered int `json:"patterns_discovered"`
	ClusteredPatients  int `json:"clustered_patients"`
	NoisePatients      int `json:"noise_patients"`
}

type PatternInsight struct {
	PatternID   string   `json:"pattern_id"`
	Description string   `json:"description,omitempty"`
	Size        int      `json:"size"`
	SuccessRate float64  `json:"success_rate"`
	Confidence  float64  `json:"confidence"`
	KeyFeatures []string `json:"key_features"`
}

type RankedPattern struct {
	PatternID       string  `json:"pattern_id"`
	MatchScore      float64 `json:"match_score"`
	SizeFactor      float64 `json:"size_factor"`
	DiversityFactor float64 `json:"diversity_factor"`
	Confidence      float64 `json:"confidence"`
	SuccessRate     float64 `json:"success_rate"`
}

// Trial eligibility
type AgeRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

func (r AgeRange) Contains(age int) bool {
	return age >= r.Min && age <= r.Max
}

// LabBound is an optional numeric window for one LOINC observation.
type LabBound struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

func (b LabBound) Contains(value float64) bool {
	if b.Min != nil && value < *b.Min {
		return false
	}
	if b.Max != nil && value > *b.Max {
		return false
	}
	return true
}

type TrialCriteria struct {
	TrialID          string              `json:"trial_id"`
	InclusionCodes   terminology.CodeSet `json:"inclusion_codes"`
	ExclusionCodes   terminology.CodeSet `json:"exclusion_codes"`
	AgeRange         AgeRange            `json:"age_range"`
	GenderConstraint string              `json:"gender_constraint,omitempty"`
	TargetEnrollment int                 `json:"target_enrollment"`
	LabRequirements  map[string]LabBound `json:"lab_requirements,omitempty"` // keyed by LOINC
}

// TrialText is the free-text form handed to an eligibility extractor.
type TrialText struct {
	TrialID           string   `json:"trial_id"`
	Title             string   `json:"title,omitempty"`
	InclusionCriteria []string `json:"inclusion_criteria"`
	ExclusionCriteria []string `json:"exclusion_criteria"`
	TargetEnrollment  int      `json:"target_enrollment,omitempty"`
}

// Patients
type Location struct {
	Lat    float64 `json:"lat" yaml:"lat"`
	Lon    float64 `json:"lon" yaml:"lon"`
	Region string  `json:"region,omitempty" yaml:"region,omitempty"`
}

// HasCoordinates treats 0,0 as unknown, the same convention the upstream EHR export uses.
func (l Location) HasCoordinates() bool {
	return l.Lat != 0 || l.Lon != 0
}

// EnrollmentHistory carries prior trial outcomes used as discovery labels.
type EnrollmentHistory struct {
	Approached int `json:"approached"`
	Enrolled   int `json:"enrolled"`
}

type PatientRecord struct {
	PatientID        string             `json:"patient_id"`
	Age              int                `json:"age"`
	Gender           string             `json:"gender"`
	ConditionCodes   []terminology.Code `json:"condition_codes"`
	ObservationCodes []terminology.Code `json:"observation_codes"`
	MedicationCodes  []terminology.Code `json:"medication_codes"`
	LabValues        map[string]float64 `json:"lab_values,omitempty"` // keyed by LOINC
	Embedding        []float64          `json:"embedding,omitempty"`
	PatternID        string             `json:"pattern_id,omitempty"`
	Location         Location           `json:"location"`
	History          EnrollmentHistory  `json:"history"`
}

// Codes groups every known code the patient carries by system.
func (p PatientRecord) Codes() terminology.CodeSet {
	return terminology.FromCodes(p.ConditionCodes, p.ObservationCodes, p.MedicationCodes)
}

// Matching
type PatientMatch struct {
	PatientID             string   `json:"patient_id"`
	TrialID               string   `json:"trial_id"`
	PatternID             string   `json:"pattern_id"`
	OverallScore          float64  `json:"overall_score"`
	EligibilityScore      float64  `json:"eligibility_score"`
	SimilarityScore       float64  `json:"similarity_score"`
	EnrollmentProbability float64  `json:"enrollment_probability"`
	MatchReasons          []string `json:"match_reasons"`
	RiskFactors           []string `json:"risk_factors"`
}

type ScoreDistribution struct {
	High    int     `json:"high"`
	Medium  int     `json:"medium"`
	Low     int     `json:"low"`
	Average float64 `json:"average"`
}

type ExclusionViolation struct {
	System terminology.System `json:"system"`
	Code   string             `json:"code"`
	Reason string             `json:"reason"`
}

type PatientValidation struct {
	PatientID           string               `json:"patient_id"`
	IsValid             bool                 `json:"is_valid"`
	ExclusionViolations []ExclusionViolation `json:"exclusion_violations"`
	ValidationScore     float64              `json:"validation_score"`
}

// Sites
type ChapterExperience struct {
	TrialCount  int     `json:"trial_count" yaml:"trial_count"`
	SuccessRate float64 `json:"success_rate" yaml:"success_rate"`
}

type SiteCapacity struct {
	MaxConcurrentTrials int `json:"max_concurrent_trials" yaml:"max_concurrent_trials"`
	CurrentTrials       int `json:"current_trials" yaml:"current_trials"`
}

type SiteProfile struct {
	SiteID                 string                       `json:"site_id" yaml:"site_id"`
	Name                   string                       `json:"name" yaml:"name"`
	Location               Location                     `json:"location" yaml:"location"`
	LOINCCapabilities      []string                     `json:"loinc_capabilities" yaml:"loinc_capabilities"`
	ICD10ChapterExperience map[string]ChapterExperience `json:"icd10_chapter_experience" yaml:"icd10_chapter_experience"`
	EHRPopulationByCode    map[string]int               `json:"ehr_population_by_code" yaml:"ehr_population_by_code"`
	Capacity               SiteCapacity                 `json:"capacity" yaml:"capacity"`
}

type SiteRecommendation struct {
	SiteID             string   `json:"site_id"`
	Name               string   `json:"name,omitempty"`
	FeasibilityScore   float64  `json:"feasibility_score"`
	CapabilityScore    float64  `json:"capability_score"`
	ExperienceScore    float64  `json:"experience_score"`
	PopulationScore    float64  `json:"population_score"`
	CapacityScore      float64  `json:"capacity_score"`
	PriorityScore      float64  `json:"priority_score"`
	AssignedPatientIDs []string `json:"assigned_patient_ids"`
	AverageDistanceKM  float64  `json:"average_distance"`
	Location           Location `json:"location"`
}

// Forecast
type Milestone struct {
	Week       float64 `json:"week"`
	Enrollment int     `json:"enrollment"`
	Percentage int     `json:"percentage"`
}

type EnrollmentForecast struct {
	TargetEnrollment    int                    `json:"target_enrollment"`
	PredictedEnrollment int                    `json:"predicted_enrollment"`
	EstimatedWeeks      float64                `json:"estimated_weeks"`
	TimelineAchievable  bool                   `json:"timeline_achievable"`
	WeeklyRate          float64                `json:"weekly_rate"`
	Milestones          []Milestone            `json:"milestones"`
	Confidence          float64                `json:"confidence"`
	RiskFactors         []string               `json:"risk_factors"`
	Recommendations     []string               `json:"recommendations"`
	PatternAnalysis     map[string]interface{} `json:"pattern_success_analysis,omitempty"`
}

// Coordinator request / response
type MatchRequest struct {
	RequestID        string         `json:"request_id,omitempty"`
	TrialID          string         `json:"trial_id"`
	Criteria         *TrialCriteria `json:"criteria,omitempty"`
	TargetEnrollment int            `json:"target_enrollment,omitempty"`
	MaxSites         int            `json:"max_sites,omitempty"`
}

type TrialMatch struct {
	PatientID             string               `json:"patient_id"`
	PatternID             string               `json:"pattern_id"`
	OverallScore          float64              `json:"overall_score"`
	EligibilityScore      float64              `json:"eligibility_score"`
	SimilarityScore       float64              `json:"similarity_score"`
	EnrollmentProbability float64              `json:"enrollment_probability"`
	IsValid               bool                 `json:"is_valid"`
	ExclusionViolations   []ExclusionViolation `json:"exclusion_violations"`
	MatchReasons          []string             `json:"match_reasons,omitempty"`
	RiskFactors           []string             `json:"risk_factors,omitempty"`
}

type SiteSummary struct {
	SiteID               string  `json:"site_id"`
	Name                 string  `json:"name,omitempty"`
	FeasibilityScore     float64 `json:"feasibility_score"`
	CapabilityScore      float64 `json:"capability_score"`
	ExperienceScore      float64 `json:"experience_score"`
	PopulationScore      float64 `json:"population_score"`
	CapacityScore        float64 `json:"capacity_score"`
	PriorityScore        float64 `json:"priority_score"`
	AssignedPatientCount int     `json:"assigned_patient_count"`
	AverageDistanceKM    float64 `json:"average_distance"`
}

type MatchResponse struct {
	RequestID             string                 `json:"request_id"`
	TrialID               string                 `json:"trial_id"`
	Status                string                 `json:"status"` // success, partial, error
	State                 string                 `json:"state"`
	FailedStage           string                 `json:"failed_stage,omitempty"`
	Error                 string                 `json:"error,omitempty"`
	ProcessingTimeSeconds float64                `json:"processing_time_seconds"`
	Statistics            DiscoveryStatistics    `json:"statistics"`
	PatternInsights       []PatternInsight       `json:"pattern_insights"`
	TrialMatches          []TrialMatch           `json:"trial_matches"`
	SiteRecommendations   []SiteSummary          `json:"site_recommendations"`
	EnrollmentForecast    *EnrollmentForecast    `json:"enrollment_forecast,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
}

// Discovery runs
type DiscoveryRun struct {
	ID           uuid.UUID              `json:"id"`
	Status       string                 `json:"status"`
	Seed         int64                  `json:"seed"`
	Statistics   DiscoveryStatistics    `json:"statistics"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}
