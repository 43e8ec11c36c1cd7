package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const TypeAppointmentEvent = "appointment:event"

const maxRetry = 5

func NewEventTask(ev Event) (*asynq.Task, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAppointmentEvent, b), nil
}

// Enqueuer is the part of *asynq.Client the notifier uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqNotifier pushes events onto a Redis-backed asynq queue. A separate
// notify-worker process delivers them.
type AsynqNotifier struct {
	client Enqueuer
	queue  string
	log    *zap.Logger
}

func NewAsynqNotifier(client Enqueuer, queue string, logger *zap.Logger) *AsynqNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsynqNotifier{client: client, queue: queue, log: logger.Named("notify")}
}

func (n *AsynqNotifier) Notify(ctx context.Context, ev Event) error {
	task, err := NewEventTask(ev)
	if err != nil {
		return fmt.Errorf("build task: %w", err)
	}

	info, err := n.client.EnqueueContext(ctx, task, asynq.Queue(n.queue), asynq.MaxRetry(maxRetry))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.Type, err)
	}

	n.log.Debug("event enqueued",
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.String("event", ev.Type),
		zap.String("appointment_id", ev.AppointmentID),
	)
	return nil
}

// Sink delivers an event to the requester (email, push, webhook).
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// HandleEventTask decodes an appointment event and hands it to sink.
// Undecodable payloads are not retried.
func HandleEventTask(sink Sink) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var ev Event
		if err := json.Unmarshal(task.Payload(), &ev); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
		}
		return sink.Deliver(ctx, ev)
	}
}

// NewServeMux routes appointment events to sink.
func NewServeMux(sink Sink) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeAppointmentEvent, HandleEventTask(sink))
	return mux
}
