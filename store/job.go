package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/caching"
	"github.com/Yulian302/lfusys-services-routes/health"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/retries"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	DefaultJobTTL = 24 * time.Hour
)

type JobStore interface {
	Create(ctx context.Context, jobID string, fields map[string]string, ttl time.Duration) (*models.Job, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	Update(ctx context.Context, jobID string, update models.JobUpdate, ttl time.Duration) (*models.Job, error)
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context, idPrefix string) ([]models.Job, error)

	health.ReadinessCheck
}

type JobStoreImpl struct {
	client redis.UniversalClient
	logger logger.Logger
	now    func() time.Time
}

func NewJobStoreImpl(client redis.UniversalClient, l logger.Logger) *JobStoreImpl {
	return &JobStoreImpl{
		client: client,
		logger: l,
		now:    time.Now,
	}
}

func jobKey(jobID string) string { return jobKeyPrefix + jobID }

// stringGetter is satisfied by both the client and a WATCH transaction.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *JobStoreImpl) IsReady(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *JobStoreImpl) Name() string {
	return "JobStore[redis]"
}

// Create writes a pending job. An id that is already tracked is rejected
// with ErrJobExists instead of being overwritten.
func (s *JobStoreImpl) Create(ctx context.Context, jobID string, fields map[string]string, ttl time.Duration) (*models.Job, error) {
	if jobID == "" {
		return nil, apperror.InvalidArgument("job id is required")
	}
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}

	now := s.now().UTC()
	job := models.Job{
		ID:        jobID,
		Status:    models.JobPending,
		Progress:  0,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	var created bool
	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			created, err = s.client.SetNX(ctx, jobKey(jobID), raw, ttl).Result()
			return err
		},
		retries.IsRetriableRedisError,
	)
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", jobID, err)
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", apperror.ErrJobExists, jobID)
	}

	return &job, nil
}

func (s *JobStoreImpl) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return s.get(ctx, s.client, jobID)
}

func (s *JobStoreImpl) get(ctx context.Context, c stringGetter, jobID string) (*models.Job, error) {
	raw, err := c.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("job %s is corrupt: %w", jobID, err)
	}
	return &job, nil
}

// Update merges update into the stored job under an optimistic lock and
// refreshes its TTL. A job that is gone yields ErrJobNotFound; a terminal
// job refuses any status change with ErrJobFinalized.
func (s *JobStoreImpl) Update(ctx context.Context, jobID string, update models.JobUpdate, ttl time.Duration) (*models.Job, error) {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}

	key := jobKey(jobID)
	var updated *models.Job

	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, jobID)
		if err != nil {
			return err
		}

		if err := applyUpdate(job, update, s.now().UTC()); err != nil {
			return err
		}

		raw, err := json.Marshal(job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttl)
			return nil
		})
		if err != nil {
			return err
		}

		updated = job
		return nil
	}

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			return s.client.Watch(ctx, txf, key)
		},
		retries.IsRetriableRedisError,
	)
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func applyUpdate(job *models.Job, u models.JobUpdate, now time.Time) error {
	if u.Status != nil && *u.Status != job.Status {
		if job.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", apperror.ErrJobFinalized, job.ID, job.Status)
		}
		job.Status = *u.Status
	}
	if u.Progress != nil {
		job.Progress = min(max(*u.Progress, 0), 1)
	}
	if u.Result != nil {
		job.Result = u.Result
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.CompletedAt != nil {
		job.CompletedAt = u.CompletedAt
	}
	if u.FailedAt != nil {
		job.FailedAt = u.FailedAt
	}
	if len(u.Fields) > 0 {
		if job.Fields == nil {
			job.Fields = make(map[string]string, len(u.Fields))
		}
		for k, v := range u.Fields {
			job.Fields[k] = v
		}
	}

	job.UpdatedAt = now
	return nil
}

func (s *JobStoreImpl) Delete(ctx context.Context, jobID string) error {
	n, err := s.client.Del(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if n == 0 {
		return apperror.ErrJobNotFound
	}
	return nil
}

// List returns every live job whose id starts with idPrefix. Jobs that
// cannot be read are skipped; the returned error, if any, describes them
// and the slice still holds everything that could be read.
func (s *JobStoreImpl) List(ctx context.Context, idPrefix string) ([]models.Job, error) {
	pattern := jobKeyPrefix + caching.EscapePattern(idPrefix) + "*"

	var (
		jobs []models.Job
		errs []error
	)

	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		jobID := strings.TrimPrefix(iter.Val(), jobKeyPrefix)

		job, err := s.Get(ctx, jobID)
		if errors.Is(err, apperror.ErrJobNotFound) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			s.logger.Warn("skipping unreadable job", "job_id", jobID, "error", err)
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, *job)
	}
	if err := iter.Err(); err != nil {
		s.logger.Error("job scan interrupted", "prefix", idPrefix, "error", err)
		errs = append(errs, fmt.Errorf("scan jobs: %w", err))
	}

	return jobs, errors.Join(errs...)
}
