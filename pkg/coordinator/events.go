package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/kafka"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/gateway/httpclient"
)

const (
	EventMatchRequested = "trial.match.requested"
	EventMatchCompleted = "trial.match.completed"

	eventSource = "trialmatch-service"
)

// EventHandler runs each requested match and publishes the response, partial
// and error responses included. Requests that cannot be decoded are dropped so
// the consumer commits them; a failed publish is returned and the consumer
// retries the same message before moving on.
func (c *Coordinator) EventHandler(publisher kafka.Publisher, attempts int) kafka.EventHandler {
	return func(ctx context.Context, event models.Event) error {
		if event.Type != "" && event.Type != EventMatchRequested {
			logger.Log.WithField("event_type", event.Type).Debug("Ignoring unrelated event")
			return nil
		}
		req, err := decodeMatchRequest(event.Data)
		if err != nil {
			logger.Log.WithError(err).WithField("event_id", event.ID).Error("Dropping undecodable match request")
			return nil
		}
		if req.RequestID == "" {
			req.RequestID = event.ID
		}

		resp, runErr := c.Run(ctx, req)
		if runErr != nil {
			logger.WithTrial(req.TrialID, req.RequestID).WithError(runErr).Warn("Publishing incomplete match response")
		}
		data, err := toEventData(resp)
		if err != nil {
			return err
		}
		return httpclient.Retry(ctx, attempts, 200*time.Millisecond, func() error {
			return publisher.PublishEvent(ctx, EventMatchCompleted, eventSource, req.TrialID, data)
		})
	}
}

func decodeMatchRequest(data map[string]interface{}) (models.MatchRequest, error) {
	var req models.MatchRequest
	raw, err := json.Marshal(data)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode match request: %w", err)
	}
	return req, nil
}

func toEventData(resp models.MatchResponse) (map[string]interface{}, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode match response: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
