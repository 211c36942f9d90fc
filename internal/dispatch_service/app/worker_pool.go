package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
)

const (
	CodeTemplateNotFound  = "TEMPLATE_NOT_FOUND"
	CodeUnknownProvider   = "UNKNOWN_PROVIDER"
	CodeNoValidRecipients = "NO_VALID_RECIPIENTS"
	CodeTimeout           = "TIMEOUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// ProviderSelector picks the adapter for a channel, optionally by name.
type ProviderSelector interface {
	Select(channel domain.CommunicationType, name string) (provider.Adapter, error)
}

// BulkProgressRefresher recomputes a bulk's progress after a constituent settles.
type BulkProgressRefresher interface {
	Refresh(ctx context.Context, bulkID string) (*domain.BulkCommunication, error)
}

type WorkerPoolConfig struct {
	Concurrency int
	// RetryUnit is the unit of settings.retryInterval.
	RetryUnit time.Duration
	// TimeoutUnit is the unit of settings.timeout.
	TimeoutUnit time.Duration
}

// WorkerPool drains a JobSource with a fixed number of workers and drives each
// communication through sending to sent or failed.
type WorkerPool struct {
	source     JobSource
	queue      DispatchQueue
	comms      repository.CommunicationRepository
	templates  *TemplateResolver
	providers  ProviderSelector
	normalizer *RecipientNormalizer
	bulks      BulkProgressRefresher
	cfg        WorkerPoolConfig
	logger     *slog.Logger
	now        func() time.Time

	wg      sync.WaitGroup
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewWorkerPool(
	source JobSource,
	queue DispatchQueue,
	comms repository.CommunicationRepository,
	templates *TemplateResolver,
	providers ProviderSelector,
	normalizer *RecipientNormalizer,
	cfg WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RetryUnit <= 0 {
		cfg.RetryUnit = time.Minute
	}
	if cfg.TimeoutUnit <= 0 {
		cfg.TimeoutUnit = time.Second
	}
	return &WorkerPool{
		source:     source,
		queue:      queue,
		comms:      comms,
		templates:  templates,
		providers:  providers,
		normalizer: normalizer,
		cfg:        cfg,
		logger:     logger.With("component", "worker_pool"),
		now:        time.Now,
		timers:     make(map[string]*time.Timer),
	}
}

// SetBulkRefresher registers the hook called when a bulk constituent settles.
func (p *WorkerPool) SetBulkRefresher(r BulkProgressRefresher) {
	p.bulks = r
}

// Start launches the workers. They exit when ctx is cancelled or the source closes.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", "concurrency", p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

func (p *WorkerPool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		job, err := p.source.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
				p.logger.Error("Job source failed", "worker", worker, "error", err)
			}
			return
		}
		if err := p.Process(context.WithoutCancel(ctx), job); err != nil {
			p.logger.Error("Failed to process job", "worker", worker, "job_id", job.ID(), "error", err)
		}
	}
}

// Stop disarms pending retry timers and waits for in-flight jobs. Records whose
// timer was disarmed stay failed with next_retry_at set.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// PendingRetries reports how many retry timers are armed.
func (p *WorkerPool) PendingRetries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Process runs one job to completion. Errors are only returned for store
// failures; send failures are recorded on the communication.
func (p *WorkerPool) Process(ctx context.Context, job domain.Job) error {
	timer := prometheus.NewTimer(jobProcessingDurationHist.WithLabelValues(string(job.Type)))
	defer timer.ObserveDuration()

	log := p.logger.With("communication_id", job.CommunicationID, "job_id", job.ID(), "job_name", job.JobName)

	c, err := p.comms.GetByID(ctx, job.CommunicationID)
	if errors.Is(err, domain.ErrNotFound) {
		log.WarnContext(ctx, "Dropping job for unknown communication")
		jobsProcessedCounter.WithLabelValues(string(job.Type), "dropped").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load communication: %w", err)
	}
	log = log.With(c.Context.LogAttrs()...)
	if c.Status != domain.StatusQueued {
		log.InfoContext(ctx, "Skipping job; communication not queued", "status", c.Status)
		jobsProcessedCounter.WithLabelValues(string(c.Type), "skipped").Inc()
		return nil
	}

	c, err = p.comms.Transition(ctx, c.ID, repository.StatusUpdate{
		From: []domain.Status{domain.StatusQueued},
		To:   domain.StatusSending,
	})
	if errors.Is(err, domain.ErrTransitionConflict) {
		log.InfoContext(ctx, "Skipping job; lost race for communication", "error", err)
		jobsProcessedCounter.WithLabelValues(string(job.Type), "skipped").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}

	settings := c.Settings.Resolved()

	recipients := p.normalizer.Renormalize(c.Type, c.To)
	if len(recipients) == 0 {
		return p.fail(ctx, log, c, job, "", &domain.CommError{Code: CodeNoValidRecipients, Message: "no valid recipients"}, true)
	}

	content := c.Content
	tmpl, err := p.templates.Resolve(ctx, c.Template, c.Type)
	if errors.Is(err, domain.ErrTemplateNotFound) {
		return p.fail(ctx, log, c, job, "", &domain.CommError{Code: CodeTemplateNotFound, Message: err.Error()}, true)
	}
	if err != nil {
		return p.fail(ctx, log, c, job, "", &domain.CommError{Code: CodeInternal, Message: err.Error()}, false)
	}
	if tmpl != nil {
		content = tmpl.Apply(content)
	}

	adapter, err := p.providers.Select(c.Type, settings.Provider)
	if err != nil {
		return p.fail(ctx, log, c, job, settings.Provider, &domain.CommError{Code: CodeUnknownProvider, Message: err.Error()}, true)
	}

	timeout := time.Duration(settings.TimeoutOrDefault()) * p.cfg.TimeoutUnit
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	res, sendErr := adapter.Send(sendCtx, &provider.OutboundMessage{
		CommunicationID: c.ID,
		Channel:         c.Type,
		Recipients:      recipients,
		Content:         content,
		Priority:        c.Priority,
		Context:         c.Context,
		WebhookURL:      settings.WebhookURL,
		Attempt:         job.Attempt,
	})
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()

	if sendErr != nil {
		ce := commErrorFrom(sendErr)
		if timedOut {
			ce = &domain.CommError{Code: CodeTimeout, Message: fmt.Sprintf("provider call exceeded %s: %v", timeout, sendErr)}
		}
		return p.fail(ctx, log, c, job, adapter.Name(), ce, !timedOut && provider.IsPermanent(sendErr))
	}
	return p.markSent(ctx, log, c, job, adapter, settings, res)
}

func (p *WorkerPool) markSent(ctx context.Context, log *slog.Logger, c *domain.Communication, job domain.Job, adapter provider.Adapter, settings domain.Settings, res *provider.SendResult) error {
	now := p.now().UTC()
	state := domain.DeliveryAccepted
	if !settings.DeliveryReportsEnabled() || !provider.SupportsDeliveryReports(adapter) {
		state = domain.DeliveryUnconfirmed
	}
	name := adapter.Name()
	attempt := job.Attempt
	upd := repository.StatusUpdate{
		From:              []domain.Status{domain.StatusSending},
		To:                domain.StatusSent,
		Provider:          &name,
		ProviderMessageID: &res.ProviderMessageID,
		Cost:              res.Cost,
		SentAt:            &now,
		RetryCount:        &attempt,
		DeliveryStatus:    &domain.DeliveryStatus{State: state, ProviderStatus: res.ProviderStatus, UpdatedAt: &now},
	}
	if _, err := p.comms.Transition(ctx, c.ID, upd); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			log.WarnContext(ctx, "Provider accepted a message that was cancelled in flight",
				"provider", name, "provider_msg_id", res.ProviderMessageID, "error", err)
			jobsProcessedCounter.WithLabelValues(string(c.Type), "cancelled_in_flight").Inc()
			return nil
		}
		return fmt.Errorf("mark sent (provider_msg_id %s): %w", res.ProviderMessageID, err)
	}
	log.InfoContext(ctx, "Communication sent", "provider", name, "provider_msg_id", res.ProviderMessageID, "attempt", job.Attempt, "delivery_state", state)
	jobsProcessedCounter.WithLabelValues(string(c.Type), "sent").Inc()
	p.refreshBulk(ctx, c)
	return nil
}

// fail records a failed attempt and arms a retry when the failure is transient
// and the attempt budget allows it.
func (p *WorkerPool) fail(ctx context.Context, log *slog.Logger, c *domain.Communication, job domain.Job, providerName string, ce *domain.CommError, permanent bool) error {
	settings := c.Settings.Resolved()
	attempt := job.Attempt
	retry := !permanent && attempt < settings.MaxRetriesOrDefault()

	upd := repository.StatusUpdate{
		From:       []domain.Status{domain.StatusSending},
		To:         domain.StatusFailed,
		Error:      ce,
		RetryCount: &attempt,
	}
	if providerName != "" {
		upd.Provider = &providerName
	}
	delay := time.Duration(settings.RetryIntervalOrDefault()) * p.cfg.RetryUnit
	if retry {
		next := p.now().UTC().Add(delay)
		upd.NextRetryAt = &next
	}

	if _, err := p.comms.Transition(ctx, c.ID, upd); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			log.InfoContext(ctx, "Send failed after communication left sending", "error", err, "send_error", ce.Message)
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}

	if retry {
		log.WarnContext(ctx, "Send failed; retry scheduled", "code", ce.Code, "error", ce.Message, "attempt", attempt, "retry_in", delay)
		retriesScheduledCounter.WithLabelValues(string(c.Type)).Inc()
		jobsProcessedCounter.WithLabelValues(string(c.Type), "retry_scheduled").Inc()
		p.scheduleRetry(job, delay)
		return nil
	}
	log.ErrorContext(ctx, "Send failed permanently", "code", ce.Code, "error", ce.Message, "attempt", attempt, "permanent", permanent)
	jobsProcessedCounter.WithLabelValues(string(c.Type), "failed").Inc()
	p.refreshBulk(ctx, c)
	return nil
}

func (p *WorkerPool) scheduleRetry(job domain.Job, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	id := job.CommunicationID
	if old, ok := p.timers[id]; ok {
		old.Stop()
	}
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, id)
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}
		p.fireRetry(job.Next())
	})
}

// fireRetry requeues a failed communication unless it was cancelled meanwhile.
func (p *WorkerPool) fireRetry(job domain.Job) {
	ctx := context.Background()
	log := p.logger.With("communication_id", job.CommunicationID, "job_id", job.ID())

	attempt := job.Attempt
	_, err := p.comms.Transition(ctx, job.CommunicationID, repository.StatusUpdate{
		From:                []domain.Status{domain.StatusFailed},
		To:                  domain.StatusQueued,
		RequireRetryPending: true,
		RetryCount:          &attempt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) || errors.Is(err, domain.ErrNotFound) {
			log.Info("Retry abandoned", "reason", err)
			return
		}
		log.Error("Failed to requeue for retry", "error", err)
		return
	}
	if _, err := p.queue.Enqueue(ctx, job); err != nil {
		log.Error("Retry enqueue failed", "error", err)
		_, terr := p.comms.Transition(ctx, job.CommunicationID, repository.StatusUpdate{
			From:       []domain.Status{domain.StatusQueued},
			To:         domain.StatusFailed,
			Error:      &domain.CommError{Code: CodeEnqueueFailed, Message: err.Error()},
			RetryCount: &attempt,
		})
		if terr != nil {
			log.Error("Failed to record retry enqueue failure", "error", terr)
		}
	}
}

func (p *WorkerPool) refreshBulk(ctx context.Context, c *domain.Communication) {
	if p.bulks == nil || c.BulkID == nil {
		return
	}
	if _, err := p.bulks.Refresh(ctx, *c.BulkID); err != nil {
		p.logger.WarnContext(ctx, "Failed to refresh bulk progress", "bulk_id", *c.BulkID, "error", err)
	}
}

func commErrorFrom(err error) *domain.CommError {
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		return pe.CommError()
	}
	return &domain.CommError{Code: "PROVIDER_ERROR", Message: err.Error()}
}
