package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/store"
)

// JobService tracks long running work for polling clients. The update
// methods return a nil job when the job is no longer tracked (expired or
// deleted); that is not an error.
type JobService interface {
	Create(ctx context.Context, jobID string, fields map[string]string) (*models.Job, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context, idPrefix string) ([]models.Job, error)

	UpdateProgress(ctx context.Context, jobID string, progress float64) (*models.Job, error)
	CompleteJob(ctx context.Context, jobID string, result any) (*models.Job, error)
	FailJob(ctx context.Context, jobID string, cause error) (*models.Job, error)
}

type JobServiceImpl struct {
	jobStore store.JobStore
	ttl      time.Duration

	logger logger.Logger
	now    func() time.Time
}

func NewJobServiceImpl(jobStore store.JobStore, ttl time.Duration, l logger.Logger) *JobServiceImpl {
	return &JobServiceImpl{
		jobStore: jobStore,
		ttl:      ttl,
		logger:   l,
		now:      time.Now,
	}
}

func (svc *JobServiceImpl) Create(ctx context.Context, jobID string, fields map[string]string) (*models.Job, error) {
	job, err := svc.jobStore.Create(ctx, jobID, fields, svc.ttl)
	if err != nil {
		svc.logger.Error("failed to create job", "job_id", jobID, "error", err)
		return nil, err
	}
	svc.logger.Debug("job created", "job_id", jobID)
	return job, nil
}

func (svc *JobServiceImpl) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return svc.jobStore.Get(ctx, jobID)
}

func (svc *JobServiceImpl) Delete(ctx context.Context, jobID string) error {
	return svc.jobStore.Delete(ctx, jobID)
}

func (svc *JobServiceImpl) List(ctx context.Context, idPrefix string) ([]models.Job, error) {
	jobs, err := svc.jobStore.List(ctx, idPrefix)
	if err != nil {
		svc.logger.Warn("job listing is partial", "prefix", idPrefix, "returned", len(jobs), "error", err)
	}
	return jobs, err
}

// UpdateProgress records progress in [0, 1]; reaching 1 completes the job.
// A job completed this way carries no Result: it is the one completed state
// without one. Workers with something to report call CompleteJob instead.
func (svc *JobServiceImpl) UpdateProgress(ctx context.Context, jobID string, progress float64) (*models.Job, error) {
	status := models.JobProcessing
	update := models.JobUpdate{Progress: &progress, Status: &status}
	if progress >= 1 {
		status = models.JobCompleted
		now := svc.now().UTC()
		update.CompletedAt = &now
	}
	return svc.update(ctx, jobID, update)
}

func (svc *JobServiceImpl) CompleteJob(ctx context.Context, jobID string, result any) (*models.Job, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of job %s: %w", jobID, err)
	}

	status := models.JobCompleted
	progress := 1.0
	now := svc.now().UTC()
	return svc.update(ctx, jobID, models.JobUpdate{
		Status:      &status,
		Progress:    &progress,
		Result:      raw,
		CompletedAt: &now,
	})
}

func (svc *JobServiceImpl) FailJob(ctx context.Context, jobID string, cause error) (*models.Job, error) {
	status := models.JobError
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := svc.now().UTC()
	return svc.update(ctx, jobID, models.JobUpdate{
		Status:   &status,
		Error:    &msg,
		FailedAt: &now,
	})
}

func (svc *JobServiceImpl) update(ctx context.Context, jobID string, update models.JobUpdate) (*models.Job, error) {
	job, err := svc.jobStore.Update(ctx, jobID, update, svc.ttl)
	if errors.Is(err, apperror.ErrJobNotFound) {
		svc.logger.Info("job no longer trackable", "job_id", jobID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// TrackJob runs work under jobID and reports its outcome. Failures to
// update the job are logged and dropped: the work is never repeated just
// because its job could not be written.
func TrackJob(ctx context.Context, jobs JobService, l logger.Logger, jobID string, work func(ctx context.Context, progress func(float64)) (any, error)) error {
	report := func(p float64) {
		if _, err := jobs.UpdateProgress(ctx, jobID, p); err != nil {
			l.Warn("job progress update failed", "job_id", jobID, "error", err)
		}
	}

	result, workErr := work(ctx, report)
	if workErr != nil {
		if _, err := jobs.FailJob(ctx, jobID, workErr); err != nil {
			l.Warn("job failure update failed", "job_id", jobID, "error", err)
		}
		return workErr
	}

	if _, err := jobs.CompleteJob(ctx, jobID, result); err != nil {
		l.Warn("job completion update failed", "job_id", jobID, "error", err)
	}
	return nil
}
