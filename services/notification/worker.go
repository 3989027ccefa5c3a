package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"connectreward/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Worker struct {
	db *gorm.DB
}

type WorkerParams struct {
	fx.In
	DB *gorm.DB
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{db: p.DB}
}

// HandleNotificationTask stores the event. Redelivered events are ignored.
func (w *Worker) HandleNotificationTask(ctx context.Context, t *asynq.Task) error {
	var e Event
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if e.ID == "" || e.AccountID == "" {
		return fmt.Errorf("notification without id or account: %w", asynq.SkipRetry)
	}

	n := &Notification{
		ID:        e.ID,
		TenantID:  e.TenantID,
		AccountID: e.AccountID,
		Kind:      e.Kind,
		Amount:    e.Amount,
		Title:     e.Title,
		Body:      e.Body,
		CreatedAt: e.CreatedAt,
	}
	if err := w.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(n).Error; err != nil {
		zap.L().Error("failed to store notification", zap.String("event_id", e.ID), zap.Error(err))
		return err
	}

	zap.L().Debug("notification stored",
		zap.String("task_type", t.Type()),
		zap.String("event_id", e.ID),
		zap.String("account_id", e.AccountID),
	)
	return nil
}

func (w *Worker) List(ctx context.Context, accountID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*Notification
	err := w.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func registerHandlers(mux *asynq.ServeMux, w *Worker) {
	mux.HandleFunc(taskname.LedgerNotification, w.HandleNotificationTask)
}
