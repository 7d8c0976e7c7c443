package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type JobType string

const (
	// JobTypeActivationFollowUp retries subscription activation for a
	// payment that was charged but never activated.
	JobTypeActivationFollowUp JobType = "activation_followup"
)

const (
	DefaultMaxRetries = 5
	baseRetryDelay    = 15 * time.Second
)

type Job struct {
	ID         string                 `json:"id"`
	Type       JobType                `json:"type"`
	Data       map[string]interface{} `json:"data"`
	CreatedAt  time.Time              `json:"created_at"`
	RetryCount int                    `json:"retry_count"`
}

// String reads a string field from the job payload.
func (j *Job) String(key string) string {
	v, _ := j.Data[key].(string)
	return v
}

// Queue is a Redis list with processing, delayed and failed companions.
type Queue struct {
	client     *redis.Client
	queueName  string
	processing string
	delayed    string
	failed     string
	maxRetries int
	logger     *zap.Logger
}

func NewQueue(client *redis.Client, queueName string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:     client,
		queueName:  queueName,
		processing: queueName + ":processing",
		delayed:    queueName + ":delayed",
		failed:     queueName + ":failed",
		maxRetries: DefaultMaxRetries,
		logger:     logger,
	}
}

func newJob(jobType JobType, data map[string]interface{}) Job {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

func (q *Queue) Enqueue(ctx context.Context, jobType JobType, data map[string]interface{}) error {
	job := newJob(jobType, data)

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.queueName, jobJSON).Err(); err != nil {
		return fmt.Errorf("failed to push job to queue: %w", err)
	}

	q.logger.Info("job enqueued", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	return nil
}

// EnqueueDelayed schedules a job to become visible after delay. A delay of
// zero or less enqueues it immediately.
func (q *Queue) EnqueueDelayed(ctx context.Context, jobType JobType, data map[string]interface{}, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, jobType, data)
	}
	job := newJob(jobType, data)
	executeAt := time.Now().Add(delay)
	if err := q.schedule(ctx, &job, executeAt); err != nil {
		return err
	}

	q.logger.Info("delayed job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Time("execute_at", executeAt),
	)
	return nil
}

func (q *Queue) schedule(ctx context.Context, job *Job, at time.Time) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	err = q.client.ZAdd(ctx, q.delayed, &redis.Z{
		Score:  float64(at.Unix()),
		Member: jobJSON,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push delayed job to queue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout. It returns nil, nil when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job from queue: %w", err)
	}
	if len(result) < 2 {
		return nil, errors.New("unexpected BLPOP result format")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if err := q.client.RPush(ctx, q.processing, result[1]).Err(); err != nil {
		q.logger.Warn("failed to move job to processing list", zap.String("job_id", job.ID), zap.Error(err))
	}
	return &job, nil
}

// CompleteJob drops the job from the processing list. Jobs are matched by
// id since the payload may not re-marshal byte for byte.
func (q *Queue) CompleteJob(ctx context.Context, job *Job) error {
	if err := q.removeProcessing(ctx, job.ID); err != nil {
		return err
	}
	q.logger.Info("job completed", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	return nil
}

// FailJob reschedules the job with exponential backoff, or moves it to the
// failed list once retries are exhausted. It reports whether the job is
// finished for good.
func (q *Queue) FailJob(ctx context.Context, job *Job, cause error) (bool, error) {
	job.RetryCount++
	if job.Data == nil {
		job.Data = map[string]interface{}{}
	}
	job.Data["last_error"] = cause.Error()
	job.Data["failed_at"] = time.Now().UTC()

	if err := q.removeProcessing(ctx, job.ID); err != nil {
		q.logger.Warn("failed to remove job from processing list", zap.String("job_id", job.ID), zap.Error(err))
	}

	if job.RetryCount < q.maxRetries {
		delay := RetryDelay(job.RetryCount)
		retryAt := time.Now().Add(delay)
		job.Data["next_retry_at"] = retryAt
		job.Data["is_last_attempt"] = job.RetryCount+1 == q.maxRetries

		if err := q.schedule(ctx, job, retryAt); err != nil {
			q.logger.Warn("failed to schedule retry, moving job to failed list", zap.String("job_id", job.ID), zap.Error(err))
			return true, q.pushFailed(ctx, job)
		}

		q.logger.Info("job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Int("retry", job.RetryCount),
			zap.Int("max_retries", q.maxRetries),
			zap.Duration("delay", delay),
		)
		return false, nil
	}

	job.Data["all_retries_exhausted"] = true
	job.Data["final_failure_at"] = time.Now().UTC()
	if err := q.pushFailed(ctx, job); err != nil {
		return true, err
	}
	q.logger.Warn("job moved to failed list",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("retries", job.RetryCount),
	)
	return true, nil
}

// RetryDelay is 15s doubled per previous attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return baseRetryDelay * time.Duration(1<<(attempt-1))
}

// IsLastAttempt reports whether a failure of this run exhausts the job.
func (q *Queue) IsLastAttempt(job *Job) bool {
	if v, ok := job.Data["is_last_attempt"].(bool); ok && v {
		return true
	}
	return job.RetryCount+1 >= q.maxRetries
}

// ProcessDelayedJobs moves due jobs from the delayed set to the main list.
func (q *Queue) ProcessDelayedJobs(ctx context.Context) error {
	jobs, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", time.Now().Unix()),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to get delayed jobs: %w", err)
	}

	for _, jobJSON := range jobs {
		// ZREM first so two workers never both requeue the same job.
		removed, err := q.client.ZRem(ctx, q.delayed, jobJSON).Result()
		if err != nil {
			q.logger.Warn("failed to remove job from delayed set", zap.Error(err))
			continue
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.queueName, jobJSON).Err(); err != nil {
			q.logger.Error("failed to move delayed job to main list", zap.Error(err))
			continue
		}
	}
	return nil
}

// RetryJob moves a failed job back to the main list with its retry count reset.
func (q *Queue) RetryJob(ctx context.Context, jobID string) error {
	jobs, err := q.client.LRange(ctx, q.failed, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list failed jobs: %w", err)
	}

	for _, jobJSON := range jobs {
		var job Job
		if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
			continue
		}
		if job.ID != jobID {
			continue
		}

		if err := q.client.LRem(ctx, q.failed, 1, jobJSON).Err(); err != nil {
			return fmt.Errorf("failed to remove job from failed list: %w", err)
		}

		job.RetryCount = 0
		job.Data["manual_retry_at"] = time.Now().UTC()
		delete(job.Data, "all_retries_exhausted")
		delete(job.Data, "final_failure_at")
		delete(job.Data, "is_last_attempt")

		updated, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := q.client.RPush(ctx, q.queueName, updated).Err(); err != nil {
			return fmt.Errorf("failed to push job to main list: %w", err)
		}

		q.logger.Info("failed job requeued", zap.String("job_id", job.ID))
		return nil
	}

	return fmt.Errorf("job %s not found in failed list", jobID)
}

func (q *Queue) removeProcessing(ctx context.Context, jobID string) error {
	entries, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list processing jobs: %w", err)
	}
	for _, entry := range entries {
		var job Job
		if err := json.Unmarshal([]byte(entry), &job); err != nil || job.ID != jobID {
			continue
		}
		if err := q.client.LRem(ctx, q.processing, 1, entry).Err(); err != nil {
			return fmt.Errorf("failed to remove job from processing list: %w", err)
		}
		return nil
	}
	return nil
}

func (q *Queue) pushFailed(ctx context.Context, job *Job) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.failed, jobJSON).Err(); err != nil {
		return fmt.Errorf("failed to push job to failed list: %w", err)
	}
	return nil
}

func (q *Queue) Client() *redis.Client {
	return q.client
}
