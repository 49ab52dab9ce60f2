// Package notification is the single entry point for recording a run's
// outcome as a notification. Delivery (email, webhook, in-app push) is
// out of scope here: Service only enqueues a row for an external
// dispatcher to drain via NotificationQueueRepository.ListUndelivered.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/repositories"
	"bastionhq.dev/bastion/shared/types"
)

// Service enqueues a notification for a completed run.
type Service interface {
	// NotifyRunCompleted enqueues a run_success or run_failed notification
	// depending on status. Called once by the scheduler when a run reaches
	// a terminal state.
	NotifyRunCompleted(ctx context.Context, runID, jobID uuid.UUID, jobName string, status types.RunStatus, errMsg string) error
}

type service struct {
	queue  repositories.NotificationQueueRepository
	logger *zap.Logger
}

// NewService builds a Service backed by queue.
func NewService(queue repositories.NotificationQueueRepository, logger *zap.Logger) Service {
	return &service{queue: queue, logger: logger.Named("notification")}
}

func (s *service) NotifyRunCompleted(ctx context.Context, runID, jobID uuid.UUID, jobName string, status types.RunStatus, errMsg string) error {
	kind := "run_success"
	if status != types.RunStatusSuccess {
		kind = "run_failed"
	}

	payload := map[string]any{
		"job_id":      jobID.String(),
		"job_name":    jobName,
		"status":      string(status),
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notification: marshaling payload: %w", err)
	}

	if err := s.queue.Enqueue(ctx, runID, kind, string(payloadJSON)); err != nil {
		s.logger.Error("failed to enqueue notification",
			zap.String("run_id", runID.String()),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return fmt.Errorf("notification: enqueue: %w", err)
	}
	return nil
}
