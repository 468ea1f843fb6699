package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStageCountsOutcomes(t *testing.T) {
	before := testutil.ToFloat64(stageOutcomes.WithLabelValues("metrics_test_stage", "failed"))
	ObserveStage("metrics_test_stage", nil, 2*time.Millisecond)
	ObserveStage("metrics_test_stage", errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(stageOutcomes.WithLabelValues("metrics_test_stage", "failed")); got != before+1 {
		t.Fatalf("expected one more failure, got %.0f after %.0f", got, before)
	}
	var found bool
	for _, count := range StageCounts() {
		if count.Stage != "metrics_test_stage" {
			continue
		}
		found = true
		if count.Completed != 1 || count.Failed != 1 || count.LastDurationMS != 1 {
			t.Fatalf("unexpected tally %+v", count)
		}
	}
	if !found {
		t.Fatal("expected the stage in the status tallies")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	ObserveRequest("success")
	ObserveSnapshot(3, 120)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"trialmatch_coordinator_requests_total", "trialmatch_patterns_discovered 3", "trialmatch_patterns_patients 120"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %q in exposition", name)
		}
	}
}
