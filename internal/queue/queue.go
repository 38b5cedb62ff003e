// Package queue carries event-triggered review requests over asynq. Tasks
// only name a submission; all progress lives in the database, so a task can
// be retried or duplicated safely.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/TobiSchelling/peerreview/internal/config"
	"github.com/TobiSchelling/peerreview/internal/database"
	"github.com/TobiSchelling/peerreview/internal/pipeline"
)

const (
	// TypeReview is scheduled when a submission is accepted by the gate.
	TypeReview = "submission:review"
)

// ReviewPayload is serialized into the task payload.
type ReviewPayload struct {
	SubmissionID string `json:"submission_id"`
}

// NewReviewTask builds the review task for a submission. The task id is
// derived from the submission so a submission is queued at most once.
func NewReviewTask(submissionID string, maxRetry int) (*asynq.Task, error) {
	if submissionID == "" {
		return nil, fmt.Errorf("review task needs a submission id")
	}
	data, err := json.Marshal(ReviewPayload{SubmissionID: submissionID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeReview, data,
		asynq.TaskID("review:"+submissionID),
		asynq.MaxRetry(maxRetry),
	), nil
}

// EnqueueReview enqueues a review task. A task already queued for the same
// submission is not an error.
func EnqueueReview(ctx context.Context, client *asynq.Client, submissionID string, maxRetry int) error {
	task, err := NewReviewTask(submissionID, maxRetry)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			slog.Debug("review already queued", "submission", submissionID)
			return nil
		}
		return fmt.Errorf("enqueue review task: %w", err)
	}
	return nil
}

// Processor runs one submission through the pipeline.
type Processor interface {
	Process(ctx context.Context, id string) (*pipeline.Result, error)
}

// Worker is plugged into the asynq server loop.
type Worker struct {
	p Processor
}

// NewWorker constructs a worker.
func NewWorker(p Processor) *Worker {
	return &Worker{p: p}
}

// Handler registers the review handler.
func (w *Worker) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReview, w.handleReview)
	return mux
}

// handleReview returns an error only when asynq should retry. Stage failures
// are already persisted and retried by sweeps.
func (w *Worker) handleReview(ctx context.Context, task *asynq.Task) error {
	var payload ReviewPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.SubmissionID == "" {
		return fmt.Errorf("payload has no submission id: %w", asynq.SkipRetry)
	}

	res, err := w.p.Process(ctx, payload.SubmissionID)
	var pe *pipeline.PipelineError
	switch {
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("submission %s: %v: %w", payload.SubmissionID, err, asynq.SkipRetry)
	case errors.Is(err, pipeline.ErrLeased):
		slog.Info("submission is being processed elsewhere", "submission", payload.SubmissionID)
		return nil
	case errors.As(err, &pe):
		slog.Warn("review task ended in pipeline error", "submission", payload.SubmissionID,
			"stage", pe.Stage, "permanent", pe.Permanent, "error", pe.Err)
		return nil
	case err != nil:
		return err
	}
	slog.Info("review task done", "submission", payload.SubmissionID, "state", res.State)
	return nil
}

// RedisOpt returns the redis connection settings. The password is read from
// the configured environment variable.
func RedisOpt(c config.Queue) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.RedisAddr,
		Password: os.Getenv(c.RedisPasswordEnv),
		DB:       c.RedisDB,
	}
}

// NewServer creates an asynq server for review tasks.
func NewServer(c config.Queue) *asynq.Server {
	return asynq.NewServer(RedisOpt(c), asynq.Config{
		Concurrency: max(c.Concurrency, 1),
	})
}
