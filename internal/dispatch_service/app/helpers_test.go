package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository/memory"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires the dispatch components over in-memory stores.
type testEnv struct {
	comms      *memory.CommunicationRepository
	bulks      *countingBulkRepo
	templates  *memory.TemplateRepository
	queue      *MemoryQueue
	registry   *provider.Registry
	mock       *provider.MockProvider
	normalizer *RecipientNormalizer
	dispatcher *Dispatcher
	bulk       *BulkOrchestrator
	service    *CommsAppService
	pool       *WorkerPool
}

func newTestEnv(t *testing.T, channel domain.CommunicationType) *testEnv {
	t.Helper()
	logger := discardLogger()
	env := &testEnv{
		comms:     memory.NewCommunicationRepository(),
		bulks:     &countingBulkRepo{BulkRepository: memory.NewBulkRepository()},
		templates: memory.NewTemplateRepository(),
		queue:     NewMemoryQueue(64),
		registry:  provider.NewRegistry(),
	}
	env.mock = provider.NewMockProvider(logger, "mock", channel, 0)
	env.registry.Register(env.mock)
	env.normalizer = NewRecipientNormalizer(logger)
	env.dispatcher = NewDispatcher(env.comms, env.queue, logger)
	env.bulk = NewBulkOrchestrator(env.comms, env.bulks, env.normalizer, env.dispatcher, logger)
	env.service = NewCommsAppService(env.comms, env.normalizer, env.dispatcher, env.bulk, SettingsDefaults{}, logger)
	env.pool = NewWorkerPool(env.queue, env.queue, env.comms, NewTemplateResolver(env.templates), env.registry, env.normalizer,
		WorkerPoolConfig{Concurrency: 2, RetryUnit: time.Millisecond, TimeoutUnit: 10 * time.Millisecond}, logger)
	env.pool.SetBulkRefresher(env.bulk)
	return env
}

// drain processes every buffered job synchronously.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	for e.queue.Len() > 0 {
		job, err := e.queue.Next(context.Background())
		if err != nil {
			t.Fatalf("next job: %v", err)
		}
		if err := e.pool.Process(context.Background(), job); err != nil {
			t.Fatalf("process job: %v", err)
		}
	}
}

func (e *testEnv) get(t *testing.T, id string) *domain.Communication {
	t.Helper()
	c, err := e.comms.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return c
}

type countingBulkRepo struct {
	*memory.BulkRepository
	mu      sync.Mutex
	created int
}

func (r *countingBulkRepo) Create(ctx context.Context, b *domain.BulkCommunication) error {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
	return r.BulkRepository.Create(ctx, b)
}

// flakyQueue refuses the enqueue attempts listed in failOn (0-based).
type flakyQueue struct {
	inner  DispatchQueue
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (q *flakyQueue) Enqueue(ctx context.Context, job domain.Job) (domain.JobHandle, error) {
	q.mu.Lock()
	n := q.calls
	q.calls++
	q.mu.Unlock()
	if q.failOn[n] {
		return domain.JobHandle{}, errors.New("broker unavailable")
	}
	return q.inner.Enqueue(ctx, job)
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }
