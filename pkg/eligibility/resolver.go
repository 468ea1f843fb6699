package eligibility

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

var trialIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Resolver turns a match request into the criteria the pipeline runs against.
type Resolver struct {
	trials        TrialStore
	extractor     Extractor
	defaultTarget int
}

func NewResolver(trials TrialStore, extractor Extractor, defaultTarget int) *Resolver {
	return &Resolver{trials: trials, extractor: extractor, defaultTarget: defaultTarget}
}

// ValidateTrialID rejects ids that cannot name a registered trial.
func ValidateTrialID(trialID string) error {
	if !trialIDPattern.MatchString(trialID) {
		return invalid("%w: %q", ErrInvalidTrialID, trialID)
	}
	return nil
}

// Resolve prefers criteria supplied inline, then curated criteria stored with
// the trial, then criteria extracted from the trial's free text.
func (r *Resolver) Resolve(ctx context.Context, req models.MatchRequest) (models.TrialCriteria, error) {
	if err := ValidateTrialID(req.TrialID); err != nil {
		return models.TrialCriteria{}, err
	}

	var criteria models.TrialCriteria
	textTarget := 0
	switch {
	case req.Criteria != nil:
		criteria = *req.Criteria
	default:
		if r.trials == nil {
			return models.TrialCriteria{}, invalid("%w: %s", ErrTrialNotFound, req.TrialID)
		}
		trial, err := r.trials.Get(ctx, req.TrialID)
		if errors.Is(err, ErrTrialNotFound) {
			return models.TrialCriteria{}, invalid("%w: %s", ErrTrialNotFound, req.TrialID)
		}
		if err != nil {
			return models.TrialCriteria{}, fmt.Errorf("load trial %s: %w", req.TrialID, err)
		}
		textTarget = trial.Text.TargetEnrollment
		if trial.Criteria != nil {
			criteria = *trial.Criteria
		} else {
			if len(trial.Text.InclusionCriteria) == 0 || r.extractor == nil {
				return models.TrialCriteria{}, invalid("%w: trial %s has no criteria text", ErrMissingCriteria, req.TrialID)
			}
			extracted, err := r.extractor.Extract(ctx, trial.Text)
			if err != nil {
				return models.TrialCriteria{}, fmt.Errorf("extract criteria for %s: %w", req.TrialID, err)
			}
			criteria = extracted
		}
	}

	criteria.TrialID = req.TrialID
	if err := r.normalise(&criteria, req.TargetEnrollment, textTarget); err != nil {
		return models.TrialCriteria{}, err
	}
	logger.WithTrial(req.TrialID, req.RequestID).WithFields(map[string]interface{}{
		"inclusion_codes": criteria.InclusionCodes.Len(),
		"exclusion_codes": criteria.ExclusionCodes.Len(),
		"target":          criteria.TargetEnrollment,
	}).Debug("Eligibility criteria resolved")
	return criteria, nil
}

func (r *Resolver) normalise(c *models.TrialCriteria, requestTarget, textTarget int) error {
	if c.InclusionCodes.Len() == 0 {
		return invalid("%w: trial %s has no inclusion codes", ErrMissingCriteria, c.TrialID)
	}
	if c.ExclusionCodes == nil {
		c.ExclusionCodes = terminology.CodeSet{}
	}
	if c.AgeRange.Max == 0 {
		c.AgeRange.Max = MaxAge
	}
	if c.AgeRange.Min < 0 || c.AgeRange.Min > c.AgeRange.Max {
		return invalid("%w: age range %d-%d", ErrInvalidCriteria, c.AgeRange.Min, c.AgeRange.Max)
	}
	for code, bound := range c.LabRequirements {
		if bound.Min != nil && bound.Max != nil && *bound.Min > *bound.Max {
			return invalid("%w: lab %s bounds inverted", ErrInvalidCriteria, code)
		}
	}

	switch g := strings.ToLower(strings.TrimSpace(c.GenderConstraint)); g {
	case "", "all", "any":
		c.GenderConstraint = ""
	case "male", "female":
		c.GenderConstraint = g
	default:
		return invalid("%w: gender constraint %q", ErrInvalidCriteria, c.GenderConstraint)
	}

	switch {
	case requestTarget > 0:
		c.TargetEnrollment = requestTarget
	case c.TargetEnrollment > 0:
	case textTarget > 0:
		c.TargetEnrollment = textTarget
	default:
		c.TargetEnrollment = r.defaultTarget
	}
	if c.TargetEnrollment < 0 {
		return invalid("%w: target enrollment %d", ErrInvalidCriteria, c.TargetEnrollment)
	}
	return nil
}
