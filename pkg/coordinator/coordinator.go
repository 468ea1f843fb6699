package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/eligibility"
	"github.com/synaptica-ai/trialmatch/pkg/matching"
	"github.com/synaptica-ai/trialmatch/pkg/observability/metrics"
	"github.com/synaptica-ai/trialmatch/pkg/patterns"
	"github.com/synaptica-ai/trialmatch/pkg/sites"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
	"github.com/synaptica-ai/trialmatch/pkg/validation"
)

type CriteriaResolver interface {
	Resolve(ctx context.Context, req models.MatchRequest) (models.TrialCriteria, error)
}

type SnapshotSource interface {
	Current() *patterns.Snapshot
}

type PatternMatcher interface {
	Match(criteria models.TrialCriteria, clusters []models.PatternCluster) []models.RankedPattern
}

type CandidateFinder interface {
	Find(ctx context.Context, ranked []models.RankedPattern, criteria models.TrialCriteria, pop matching.Population) ([]models.PatientRecord, error)
}

type PatientScorer interface {
	Score(ctx context.Context, candidates []models.PatientRecord, criteria models.TrialCriteria, pop matching.Population) ([]models.PatientMatch, error)
}

type ExclusionValidator interface {
	Validate(ctx context.Context, matches []models.PatientMatch, patients validation.PatientLookup, exclusion terminology.CodeSet) ([]models.PatientValidation, validation.Summary, error)
}

type SiteRanker interface {
	Rank(ctx context.Context, criteria models.TrialCriteria, profiles []models.SiteProfile, topN int) ([]models.SiteRecommendation, error)
	Assign(candidates []models.SiteRecommendation, patients []models.PatientRecord, maxSites int) []models.SiteRecommendation
}

type EnrollmentForecaster interface {
	Forecast(valid []models.PatientMatch, sites []models.SiteRecommendation, target int) models.EnrollmentForecast
}

// Dependencies are resolved once at construction.
type Dependencies struct {
	Resolver   CriteriaResolver
	Patterns   SnapshotSource
	Matcher    PatternMatcher
	Candidates CandidateFinder
	Scorer     PatientScorer
	Validator  ExclusionValidator
	Sites      SiteRanker
	Forecaster EnrollmentForecaster
	Profiles   []models.SiteProfile
}

type Options struct {
	StageTimeout      time.Duration
	HeavyStageTimeout time.Duration
	MaxSites          int
	InsightLimit      int
}

// Coordinator runs one trial through the matching stages in order.
type Coordinator struct {
	deps Dependencies
	opts Options
}

func New(deps Dependencies, opts Options) *Coordinator {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 30 * time.Second
	}
	if opts.HeavyStageTimeout <= 0 {
		opts.HeavyStageTimeout = 60 * time.Second
	}
	if opts.InsightLimit <= 0 {
		opts.InsightLimit = defaultInsightSize
	}
	return &Coordinator{deps: deps, opts: opts}
}

// Run always returns a response. The error is non-nil when the pipeline did
// not reach Done; it is a *StageError and wraps an *InputError for requests
// that never left Idle.
func (c *Coordinator) Run(ctx context.Context, req models.MatchRequest) (models.MatchResponse, error) {
	started := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "coordinator.Run", trace.WithAttributes(
		attribute.String("trial_id", req.TrialID),
		attribute.String("request_id", req.RequestID),
	))
	defer span.End()

	run := &pipelineRun{
		trialID: req.TrialID,
		state:   StateIdle,
		timings: map[string]float64{},
		log:     logger.WithTrial(req.TrialID, req.RequestID),
	}
	b := newResponseBuilder(req, started)

	err := c.execute(ctx, req, run, b)
	resp := b.finish(run, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("status", resp.Status), attribute.String("state", resp.State))
	metrics.ObserveRequest(resp.Status)

	entry := run.log.WithField("status", resp.Status).WithField("duration_ms", resp.ProcessingTimeSeconds*1000)
	if err != nil {
		entry.WithError(err).Warn("Trial matching did not complete")
	} else {
		entry.Info("Trial matching completed")
	}
	return resp, err
}

func (c *Coordinator) execute(ctx context.Context, req models.MatchRequest, run *pipelineRun, b *responseBuilder) error {
	std, heavy := c.opts.StageTimeout, c.opts.HeavyStageTimeout

	criteria, err := runStage(ctx, run, StageEligibility, std, func(ctx context.Context) (models.TrialCriteria, error) {
		criteria, err := c.deps.Resolver.Resolve(ctx, req)
		if err != nil && eligibility.IsValidationError(err) {
			return criteria, &InputError{Err: err}
		}
		return criteria, err
	})
	if err != nil {
		return err
	}
	b.criteria(criteria)

	// One snapshot serves the whole request even if discovery publishes a new one.
	snapshot := c.deps.Patterns.Current()
	if snapshot == nil {
		snapshot = patterns.EmptySnapshot()
	}
	b.snapshot(snapshot, c.opts.InsightLimit)

	ranked, err := runStage(ctx, run, StagePatterns, std, func(context.Context) ([]models.RankedPattern, error) {
		return c.deps.Matcher.Match(criteria, snapshot.Clusters), nil
	})
	if err != nil {
		return err
	}
	b.ranked(ranked)

	candidates, err := runStage(ctx, run, StageCandidates, std, func(ctx context.Context) ([]models.PatientRecord, error) {
		return c.deps.Candidates.Find(ctx, ranked, criteria, snapshot)
	})
	if err != nil {
		return err
	}
	b.candidates(candidates)

	scored, err := runStage(ctx, run, StageScoring, heavy, func(ctx context.Context) ([]models.PatientMatch, error) {
		return c.deps.Scorer.Score(ctx, candidates, criteria, snapshot)
	})
	if err != nil {
		return err
	}
	b.scored(scored)

	type validated struct {
		results []models.PatientValidation
		summary validation.Summary
	}
	checked, err := runStage(ctx, run, StageValidation, std, func(ctx context.Context) (validated, error) {
		results, summary, err := c.deps.Validator.Validate(ctx, scored, snapshot, criteria.ExclusionCodes)
		return validated{results: results, summary: summary}, err
	})
	if err != nil {
		return err
	}
	valid := b.validated(scored, checked.results, checked.summary)

	validPatients := make([]models.PatientRecord, 0, len(valid))
	for _, m := range valid {
		if p, ok := snapshot.Patient(m.PatientID); ok {
			validPatients = append(validPatients, p)
		}
	}
	maxSites := req.MaxSites
	if maxSites <= 0 {
		maxSites = c.opts.MaxSites
	}
	recommended, err := runStage(ctx, run, StageSites, heavy, func(ctx context.Context) ([]models.SiteRecommendation, error) {
		ranked, err := c.deps.Sites.Rank(ctx, criteria, c.deps.Profiles, maxSites)
		if err != nil {
			return nil, err
		}
		return c.deps.Sites.Assign(ranked, validPatients, maxSites), nil
	})
	if err != nil {
		return err
	}
	b.sites(recommended, sites.Coverage(recommended, len(validPatients)))

	forecast, err := runStage(ctx, run, StageForecast, std, func(context.Context) (models.EnrollmentForecast, error) {
		return c.deps.Forecaster.Forecast(valid, recommended, criteria.TargetEnrollment), nil
	})
	if err != nil {
		return err
	}
	b.forecast(forecast)

	run.advance(StateDone)
	return nil
}
