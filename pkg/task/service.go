package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(context.Background(), task, opts...)
	if err != nil {
		// A task with the same ID is already queued; the caller treats this
		// as the earlier enqueue winning, not a failure.
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// Canceller removes pending tasks from a queue before they are processed.
type Canceller interface {
	DeleteTask(queue, id string) error
}

type cancellerImpl struct {
	inspector *asynq.Inspector
}

func NewCanceller(inspector *asynq.Inspector) Canceller {
	return &cancellerImpl{inspector: inspector}
}

func (c *cancellerImpl) DeleteTask(queue, id string) error {
	err := c.inspector.DeleteTask(queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return err
}
