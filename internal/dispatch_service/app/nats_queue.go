package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
)

// NATSQueue publishes jobs to <prefix>.<jobName> for the dispatch service to pick up.
type NATSQueue struct {
	client messagebroker.NATSClient
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func NewNATSQueue(client messagebroker.NATSClient, subjectPrefix string, logger *slog.Logger) *NATSQueue {
	return &NATSQueue{
		client: client,
		prefix: subjectPrefix,
		logger: logger.With("component", "nats_queue"),
		now:    time.Now,
	}
}

func (q *NATSQueue) Enqueue(ctx context.Context, job domain.Job) (domain.JobHandle, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("marshal job %s: %w", job.ID(), err)
	}
	subject := q.prefix + "." + job.JobName
	if err := q.client.Publish(ctx, subject, data); err != nil {
		jobsEnqueuedCounter.WithLabelValues("nats", "error").Inc()
		return domain.JobHandle{}, fmt.Errorf("publish job %s: %w", job.ID(), err)
	}
	jobsEnqueuedCounter.WithLabelValues("nats", "ok").Inc()
	q.logger.DebugContext(ctx, "Job published", "subject", subject, "job_id", job.ID())
	return domain.JobHandle{ID: job.ID(), JobName: job.JobName, EnqueuedAt: q.now().UTC()}, nil
}

// JobBridge feeds jobs published on NATS into the local queue of a dispatch process.
type JobBridge struct {
	client     messagebroker.NATSClient
	queue      DispatchQueue
	subject    string
	queueGroup string
	backoff    time.Duration
	logger     *slog.Logger
	sub        messagebroker.Subscription
}

func NewJobBridge(client messagebroker.NATSClient, queue DispatchQueue, subjectPrefix, queueGroup string, logger *slog.Logger) *JobBridge {
	return &JobBridge{
		client:     client,
		queue:      queue,
		subject:    subjectPrefix + ".>",
		queueGroup: queueGroup,
		backoff:    50 * time.Millisecond,
		logger:     logger.With("component", "job_bridge"),
	}
}

// Start subscribes to the job subjects. A full local queue holds the message
// until there is room or ctx ends.
func (b *JobBridge) Start(ctx context.Context) error {
	b.logger.Info("Starting NATS job consumer", "subject", b.subject, "queue_group", b.queueGroup)
	handler := func(msg messagebroker.Message) {
		var job domain.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			b.logger.Error("Failed to unmarshal job payload", "error", err, "subject", msg.Subject)
			return
		}
		natsJobsReceivedCounter.WithLabelValues(job.JobName).Inc()
		for {
			_, err := b.queue.Enqueue(ctx, job)
			if err == nil {
				return
			}
			if !errors.Is(err, ErrQueueFull) {
				b.logger.Error("Dropping job", "error", err, "job_id", job.ID())
				return
			}
			select {
			case <-ctx.Done():
				b.logger.Warn("Shutdown while local queue full; job not taken", "job_id", job.ID())
				return
			case <-time.After(b.backoff):
			}
		}
	}
	sub, err := b.client.SubscribeToSubjectWithQueue(ctx, b.subject, b.queueGroup, handler)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.subject, err)
	}
	b.sub = sub
	return nil
}

// Stop drains the subscription.
func (b *JobBridge) Stop() {
	if b.sub == nil {
		return
	}
	if err := b.sub.Drain(); err != nil {
		b.logger.Error("Failed to drain job subscription", "error", err)
	}
}
