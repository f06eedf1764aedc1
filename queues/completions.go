package queues

import (
	"context"
	"errors"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/services"
)

// CompletionQueue hands session completions to a background worker.
type CompletionQueue interface {
	Enqueue(ctx context.Context, evt models.CompletionRequestedEvent) error
	Start()
	Shutdown(ctx context.Context) error
}

var ErrQueueClosed = errors.New("completion queue closed")

// CompletionWorker completes one session and reports the outcome through
// the event's job.
type CompletionWorker struct {
	transfers services.TransferService
	jobs      services.JobService
	logger    logger.Logger
}

func NewCompletionWorker(transfers services.TransferService, jobs services.JobService, l logger.Logger) *CompletionWorker {
	return &CompletionWorker{
		transfers: transfers,
		jobs:      jobs,
		logger:    l,
	}
}

// Handle returns the completion error. The job already carries it, so
// callers only need it to decide about redelivery.
func (w *CompletionWorker) Handle(ctx context.Context, evt models.CompletionRequestedEvent) error {
	if evt.SessionID == "" || evt.JobID == "" {
		return apperror.InvalidArgument("completion event needs a session and a job")
	}

	w.logger.Info("background completion started", "session_id", evt.SessionID, "job_id", evt.JobID)

	return services.TrackJob(ctx, w.jobs, w.logger, evt.JobID, func(ctx context.Context, progress func(float64)) (any, error) {
		progress(0.1)
		res, err := w.transfers.Complete(ctx, evt.SessionID)
		if err != nil {
			w.logger.Error("background completion failed", "session_id", evt.SessionID, "job_id", evt.JobID, "error", err)
			return nil, err
		}
		return res, nil
	})
}
