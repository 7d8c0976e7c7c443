package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"imagegen-payment-api/models"
	"imagegen-payment-api/queue"
	"imagegen-payment-api/services/email"
	"imagegen-payment-api/services/proxy"
)

// JobQueue is the part of queue.Queue the worker drives.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	CompleteJob(ctx context.Context, job *queue.Job) error
	FailJob(ctx context.Context, job *queue.Job, cause error) (bool, error)
	ProcessDelayedJobs(ctx context.Context) error
}

type Activator interface {
	ActivateSubscription(ctx context.Context, token string) (*proxy.ActivationResponse, error)
}

type AttemptUpdater interface {
	UpdateAttempt(ctx context.Context, transactionID string, status models.AttemptStatus, message string, needsFollowUp bool) error
}

type Notifier interface {
	SendActivationFollowUp(n email.ActivationFollowUpNotice) error
}

// Worker retries subscription activation for charged payments and alerts
// support once retries run out.
type Worker struct {
	queue     JobQueue
	activator Activator
	journal   AttemptUpdater
	notifier  Notifier
	logger    *zap.Logger

	pollInterval time.Duration
	shutdown     chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

func NewWorker(q JobQueue, activator Activator, journal AttemptUpdater, notifier Notifier, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:        q,
		activator:    activator,
		journal:      journal,
		notifier:     notifier,
		logger:       logger,
		pollInterval: 5 * time.Second,
		shutdown:     make(chan struct{}),
	}
}

func (w *Worker) Start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.processJobs(i)
	}

	w.wg.Add(1)
	go w.promoteDelayed()

	w.logger.Info("activation worker started", zap.Int("concurrency", concurrency))
}

// Stop signals every goroutine and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("stopping activation worker")
		close(w.shutdown)
	})
	w.wg.Wait()
}

func (w *Worker) promoteDelayed() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.queue.ProcessDelayedJobs(ctx); err != nil {
				w.logger.Warn("failed to promote delayed jobs", zap.Error(err))
			}
			cancel()
		}
	}
}

func (w *Worker) processJobs(workerID int) {
	defer w.wg.Done()
	log := w.logger.With(zap.Int("worker_id", workerID))

	for {
		select {
		case <-w.shutdown:
			log.Debug("worker shutting down")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		job, err := w.queue.Dequeue(ctx, w.pollInterval)
		cancel()

		if err != nil {
			log.Warn("error dequeuing job", zap.Error(err))
			w.pause(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.handle(job)
	}
}

func (w *Worker) handle(job *queue.Job) {
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	jobErr := w.processJob(ctx, job)
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if jobErr == nil {
		if err := w.queue.CompleteJob(ctx, job); err != nil {
			log.Warn("error marking job complete", zap.Error(err))
		}
		return
	}

	log.Warn("job failed", zap.Int("retry_count", job.RetryCount), zap.Error(jobErr))
	exhausted, err := w.queue.FailJob(ctx, job, jobErr)
	if err != nil {
		log.Error("error marking job failed", zap.Error(err))
	}
	if exhausted && job.Type == queue.JobTypeActivationFollowUp {
		w.escalate(job, jobErr)
	}
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeActivationFollowUp:
		return w.retryActivation(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (w *Worker) retryActivation(ctx context.Context, job *queue.Job) error {
	txID := job.String("transaction_id")
	if txID == "" {
		return errors.New("invalid transaction_id in job data")
	}

	if _, err := w.activator.ActivateSubscription(ctx, job.String("token")); err != nil {
		return fmt.Errorf("activation retry failed: %w", err)
	}

	if err := w.journal.UpdateAttempt(ctx, txID, models.AttemptStatusActivated, "activated by follow-up", false); err != nil {
		w.logger.Warn("activation succeeded but journal update failed", zap.String("transaction_id", txID), zap.Error(err))
	}
	w.logger.Info("subscription activated by follow-up", zap.String("transaction_id", txID))
	return nil
}

// escalate leaves the attempt flagged and emails support.
func (w *Worker) escalate(job *queue.Job, cause error) {
	notice := email.ActivationFollowUpNotice{
		TransactionID: job.String("transaction_id"),
		AccountID:     job.String("account_id"),
		Email:         job.String("email"),
		ProductID:     job.String("product_id"),
		Attempts:      job.RetryCount,
		LastError:     cause.Error(),
		FailedAt:      time.Now(),
	}
	if err := w.notifier.SendActivationFollowUp(notice); err != nil {
		w.logger.Error("failed to email support about activation",
			zap.String("transaction_id", notice.TransactionID),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("support notified of pending activation", zap.String("transaction_id", notice.TransactionID))
}

func (w *Worker) pause(d time.Duration) {
	select {
	case <-w.shutdown:
	case <-time.After(d):
	}
}
