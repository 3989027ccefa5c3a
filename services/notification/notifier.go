package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"connectreward/pkg/task"
	"connectreward/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Notifier publishes events after the ledger write that caused them has
// committed.
type Notifier interface {
	Notify(ctx context.Context, events ...Event) error
}

// TaskNotifier publishes each event as a ledger:notification task.
type TaskNotifier struct {
	enqueuer task.Enqueuer
}

func NewTaskNotifier(enqueuer task.Enqueuer) *TaskNotifier {
	return &TaskNotifier{enqueuer: enqueuer}
}

func NewTask(e Event) (*asynq.Task, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return asynq.NewTask(taskname.LedgerNotification, payload), nil
}

func (n *TaskNotifier) Notify(ctx context.Context, events ...Event) error {
	var errs []error
	for _, e := range events {
		t, err := NewTask(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		_, err = n.enqueuer.Enqueue(ctx, t,
			asynq.TaskID(e.ID),
			asynq.Queue(taskname.QueueDefault),
			asynq.MaxRetry(10),
			asynq.Retention(24*time.Hour),
		)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			continue
		}
		if err != nil {
			zap.L().Error("failed to enqueue notification",
				zap.String("event_id", e.ID),
				zap.String("account_id", e.AccountID),
				zap.String("kind", string(e.Kind)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event. Used where no queue is configured.
type Discard struct{}

func (Discard) Notify(context.Context, ...Event) error { return nil }
