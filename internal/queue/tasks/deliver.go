package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	"github.com/buildhive/engine/internal/services"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/buildhive/engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// webhookEnvelope is the body posted to the downstream receiver.
type webhookEnvelope struct {
	EventID   string          `json:"event_id"`
	BuildID   string          `json:"build_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
}

// DeliverTaskHandler consumes the durable retry queue and delivers
// outbound notifications. The row in outbound_events is authoritative:
// delivery is recorded there, and a redelivered task for an already-
// delivered row is a no-op.
type DeliverTaskHandler struct {
	outboundRepo repository.OutboundEventRepository
	webhookURL   string
	httpClient   *http.Client
}

func NewDeliverTaskHandler(outboundRepo repository.OutboundEventRepository, webhookURL string) *DeliverTaskHandler {
	return &DeliverTaskHandler{
		outboundRepo: outboundRepo,
		webhookURL:   webhookURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *DeliverTaskHandler) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	var p services.DeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid delivery task payload", zap.Error(err))
		return err
	}
	id, err := uuid.Parse(p.EventID)
	if err != nil {
		logger.L().Error("invalid event id in task", zap.Error(err))
		return err
	}

	var event models.OutboundEvent
	if err := h.outboundRepo.GetByID(ctx, id, &event); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			// Row gone (e.g. project cascade-deleted); nothing to deliver.
			logger.L().Warn("outbound event vanished", zap.String("event_id", id.String()))
			return nil
		}
		return err
	}
	if event.DeliveredAt != nil {
		return nil
	}
	if h.webhookURL == "" {
		logger.L().Warn("webhook url not configured, leaving event queued",
			zap.String("event_id", id.String()))
		return nil
	}

	if err := h.post(ctx, &event); err != nil {
		next := time.Now().Add(retryDelay(event.AttemptCount + 1))
		if rerr := h.outboundRepo.RecordAttempt(ctx, event.ID, next); rerr != nil {
			logger.L().Error("record delivery attempt failed", zap.Error(rerr))
		}
		logger.L().Warn("outbound delivery failed",
			zap.String("event_id", event.ID.String()),
			zap.Int("attempt", event.AttemptCount+1),
			zap.Error(err))
		return err // asynq retries with its own backoff
	}

	if err := h.outboundRepo.MarkDelivered(ctx, event.ID); err != nil {
		return err
	}
	logger.L().Info("outbound event delivered",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", string(event.EventType)))
	return nil
}

func (h *DeliverTaskHandler) post(ctx context.Context, event *models.OutboundEvent) error {
	body, err := json.Marshal(webhookEnvelope{
		EventID:   event.ID.String(),
		BuildID:   event.BuildID.String(),
		EventType: string(event.EventType),
		Payload:   json.RawMessage(event.Payload),
		Attempt:   event.AttemptCount + 1,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// retryDelay mirrors the queue's exponential backoff in the durable row so
// the sweeper and the task retries agree on when a row is due again.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(min(attempt, 8))) * time.Second
	if d > 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}

// SweepDue re-enqueues durable rows whose asynq task was lost (process
// crash between commit and enqueue). Called periodically by the worker.
func SweepDue(ctx context.Context, outboundRepo repository.OutboundEventRepository, client *asynq.Client, limit int) {
	events, err := outboundRepo.ListDue(ctx, limit)
	if err != nil {
		logger.L().Error("sweep due outbound events failed", zap.Error(err))
		return
	}
	for _, e := range events {
		pb, _ := json.Marshal(services.DeliverPayload{EventID: e.ID.String()})
		if _, err := client.EnqueueContext(ctx, asynq.NewTask(services.TaskTypeDeliverOutbound, pb)); err != nil {
			logger.L().Error("re-enqueue outbound event failed",
				zap.Error(err), zap.String("event_id", e.ID.String()))
		}
	}
	if len(events) > 0 {
		logger.L().Info("swept due outbound events", zap.Int("count", len(events)))
	}
}
