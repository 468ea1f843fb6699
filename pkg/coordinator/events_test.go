package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

type recordingPublisher struct {
	failures int
	calls    int
	events   []map[string]interface{}
	keys     []string
}

func (p *recordingPublisher) PublishEvent(_ context.Context, eventType, _, key string, data map[string]interface{}) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("broker unavailable")
	}
	if eventType != EventMatchCompleted {
		return errors.New("unexpected event type " + eventType)
	}
	p.events = append(p.events, data)
	p.keys = append(p.keys, key)
	return nil
}

func requestEvent(t *testing.T, req models.MatchRequest) models.Event {
	t.Helper()
	data := map[string]interface{}{
		"trial_id":          req.TrialID,
		"target_enrollment": float64(req.TargetEnrollment),
		"criteria": map[string]interface{}{
			"inclusion_codes": map[string]interface{}{"ICD-10": []interface{}{"E11.9"}},
			"exclusion_codes": map[string]interface{}{"ICD-10": []interface{}{"E11.21"}},
			"age_range":       map[string]interface{}{"min": float64(18), "max": float64(65)},
		},
	}
	return models.Event{ID: "evt-1", Type: EventMatchRequested, Data: data}
}

func TestEventHandlerPublishesResponse(t *testing.T) {
	c := newTestCoordinator(testSnapshot(testPatients()), nil, Options{MaxSites: 5})
	pub := &recordingPublisher{failures: 1}

	handler := c.EventHandler(pub, 3)
	if err := handler(context.Background(), requestEvent(t, testRequest())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.calls != 2 || len(pub.events) != 1 {
		t.Fatalf("expected one retried publish, got calls=%d events=%d", pub.calls, len(pub.events))
	}
	if pub.keys[0] != "NCT00000001" || pub.events[0]["request_id"] != "evt-1" {
		t.Fatalf("unexpected published event key=%s data=%v", pub.keys[0], pub.events[0]["request_id"])
	}
}

func TestEventHandlerPublishesErrorResponses(t *testing.T) {
	c := newTestCoordinator(testSnapshot(testPatients()), nil, Options{})
	pub := &recordingPublisher{}
	req := testRequest()
	req.TrialID = "not a trial id"

	if err := c.EventHandler(pub, 1)(context.Background(), requestEvent(t, req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 || pub.events[0]["status"] != "error" {
		t.Fatalf("expected an error response to be published, got %v", pub.events)
	}
}

func TestEventHandlerSkipsUnrelatedAndUndecodable(t *testing.T) {
	c := newTestCoordinator(testSnapshot(testPatients()), nil, Options{})
	pub := &recordingPublisher{}
	handler := c.EventHandler(pub, 1)

	if err := handler(context.Background(), models.Event{Type: "patterns.discovered"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := models.Event{Type: EventMatchRequested, Data: map[string]interface{}{"trial_id": 12}}
	if err := handler(context.Background(), bad); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.calls != 0 {
		t.Fatalf("expected nothing published, got %d calls", pub.calls)
	}
}

func TestEventHandlerReturnsPublishFailure(t *testing.T) {
	c := newTestCoordinator(testSnapshot(testPatients()), nil, Options{})
	pub := &recordingPublisher{failures: 5}
	if err := c.EventHandler(pub, 2)(context.Background(), requestEvent(t, testRequest())); err == nil {
		t.Fatal("expected the publish failure to be returned for redelivery")
	}
}
