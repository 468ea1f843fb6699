package eligibility

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/gateway/httpclient"
)

// Extractor turns trial free text into coded criteria.
type Extractor interface {
	Extract(ctx context.Context, trial models.TrialText) (models.TrialCriteria, error)
}

// HTTPExtractor delegates extraction to the external eligibility service.
type HTTPExtractor struct {
	client *resty.Client
}

func NewHTTPExtractor(baseURL string, timeout time.Duration, retries int) *HTTPExtractor {
	return &HTTPExtractor{client: httpclient.NewResty(strings.TrimRight(baseURL, "/"), timeout, retries)}
}

func (x *HTTPExtractor) Extract(ctx context.Context, trial models.TrialText) (models.TrialCriteria, error) {
	var criteria models.TrialCriteria
	resp, err := x.client.R().
		SetContext(ctx).
		SetBody(trial).
		SetResult(&criteria).
		Post("/api/v1/eligibility/extract")
	if err != nil {
		return models.TrialCriteria{}, fmt.Errorf("eligibility extraction for %s: %w", trial.TrialID, err)
	}
	if resp.IsError() {
		return models.TrialCriteria{}, fmt.Errorf("eligibility service status %d for %s", resp.StatusCode(), trial.TrialID)
	}
	if criteria.TrialID == "" {
		criteria.TrialID = trial.TrialID
	}
	return criteria, nil
}

// FallbackExtractor tries the primary extractor and falls back to the
// secondary one when the primary fails.
type FallbackExtractor struct {
	Primary   Extractor
	Secondary Extractor
}

func (f FallbackExtractor) Extract(ctx context.Context, trial models.TrialText) (models.TrialCriteria, error) {
	criteria, err := f.Primary.Extract(ctx, trial)
	if err == nil {
		return criteria, nil
	}
	if ctx.Err() != nil {
		return models.TrialCriteria{}, err
	}
	logger.Log.WithError(err).WithField("trial_id", trial.TrialID).Warn("Eligibility service unavailable, using local mapper")
	return f.Secondary.Extract(ctx, trial)
}
