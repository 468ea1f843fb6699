package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/synaptica-ai/trialmatch/pkg/observability/metrics"
)

var tracer = otel.Tracer("trialmatch.coordinator")

// pipelineRun tracks one request as it moves through the stages.
type pipelineRun struct {
	trialID  string
	state    State
	executed []string
	timings  map[string]float64
	log      *logrus.Entry
}

func (r *pipelineRun) advance(to State) {
	r.log.WithFields(logrus.Fields{"from": r.state, "to": to}).Debug("Pipeline state changed")
	r.state = to
}

type stageResult[T any] struct {
	value T
	err   error
}

// runStage calls fn under its own deadline. The result of a stage that
// overruns is discarded; fn sees a cancelled context and its late result is
// dropped on a buffered channel.
func runStage[T any](ctx context.Context, run *pipelineRun, stage string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stageCtx, span := tracer.Start(stageCtx, "coordinator."+stage, trace.WithAttributes(
		attribute.String("trial_id", run.trialID),
		attribute.String("stage", stage),
	))
	defer span.End()

	log := run.log.WithField("stage", stage)
	log.Debug("Stage started")
	started := time.Now()

	done := make(chan stageResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- stageResult[T]{value: zero, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		value, err := fn(stageCtx)
		done <- stageResult[T]{value: value, err: err}
	}()

	var result stageResult[T]
	select {
	case result = <-done:
	case <-stageCtx.Done():
		result.err = stageCtx.Err()
	}
	if result.err != nil && errors.Is(result.err, context.DeadlineExceeded) {
		result.err = fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
	}

	elapsed := time.Since(started)
	run.executed = append(run.executed, stage)
	run.timings[stage] = float64(elapsed.Microseconds()) / 1000
	metrics.ObserveStage(stage, result.err, elapsed)

	fields := logrus.Fields{"duration_ms": run.timings[stage]}
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
		log.WithFields(fields).WithError(result.err).Error("Stage failed")
		var zero T
		return zero, &StageError{Stage: stage, Err: result.err}
	}
	log.WithFields(fields).Debug("Stage completed")
	run.advance(completes[stage])
	return result.value, nil
}
