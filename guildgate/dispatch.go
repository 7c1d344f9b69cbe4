package guildgate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// DispatchJob is one outbound message, opaque to the queue beyond its
// tenant routing. Jobs are consumed exactly once: delivered or dropped,
// never redriven, since redriving a stale chat message is usually wrong.
type DispatchJob struct {
	// TenantID routes the job to its tenant's queue
	TenantID string

	// Destination is the tenant-scoped target, e.g. a channel ID
	Destination string

	// Payload is the message content
	Payload string

	// Attachment optionally carries one file alongside the payload
	Attachment *DispatchAttachment

	EnqueuedAt time.Time
}

// DispatchAttachment is a single file sent with a job's payload.
type DispatchAttachment struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Deliverer performs the actual outbound call for a job.
type Deliverer interface {
	Deliver(ctx context.Context, job DispatchJob) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, job DispatchJob) error

func (f DelivererFunc) Deliver(ctx context.Context, job DispatchJob) error {
	return f(ctx, job)
}

type tenantQueue struct {
	tenantID string
	jobs     []DispatchJob
	signal   chan struct{}
}

// TenantDispatchQueue serializes and paces outbound calls per tenant: at
// most one delivery per tenant in flight, jobs delivered in enqueue order,
// and a minimum interval between deliveries so a burst drains at a
// rate-limit-respecting cadence instead of all at once.
//
// Queues are created lazily on first enqueue. Each active tenant gets one
// drain goroutine, which exits after the idle timeout so dormant tenants
// cost nothing. Across tenants there is no ordering and delivery proceeds
// concurrently.
type TenantDispatchQueue struct {
	deliverer Deliverer
	config    DispatchConfig
	logger    *slog.Logger
	audit     *DeliveryAudit

	mu      sync.Mutex
	tenants map[string]*tenantQueue
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTenantDispatchQueue(
	config DispatchConfig,
	deliverer Deliverer,
	logger *slog.Logger,
) *TenantDispatchQueue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TenantDispatchQueue{
		deliverer: deliverer,
		config:    config,
		logger:    logger.With(loggerNameKey, "dispatch"),
		tenants:   map[string]*tenantQueue{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetAudit attaches a delivery audit trail. Must be called before the first
// Enqueue.
func (q *TenantDispatchQueue) SetAudit(audit *DeliveryAudit) {
	q.audit = audit
}

// Enqueue appends job to its tenant's queue, creating the queue and its
// drain goroutine if needed. It never blocks. Jobs enqueued after Stop are
// dropped with a warning.
func (q *TenantDispatchQueue) Enqueue(tenantID string, job DispatchJob) {
	job.TenantID = tenantID
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.logger.Warn(
			"dropping job enqueued during shutdown",
			"tenant_id", tenantID,
			"destination", job.Destination,
		)
		return
	}

	tq, ok := q.tenants[tenantID]
	if !ok {
		tq = &tenantQueue{
			tenantID: tenantID,
			signal:   make(chan struct{}, 1),
		}
		q.tenants[tenantID] = tq
		q.wg.Add(1)
		go q.drain(tq)
	}
	tq.jobs = append(tq.jobs, job)

	select {
	case tq.signal <- struct{}{}:
	default:
	}
}

// pop removes and returns the head job for the tenant, if any.
func (q *TenantDispatchQueue) pop(tq *tenantQueue) (DispatchJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(tq.jobs) == 0 {
		return DispatchJob{}, false
	}
	job := tq.jobs[0]
	tq.jobs = tq.jobs[1:]
	return job, true
}

// retire removes the tenant's queue if it is still empty, letting the drain
// goroutine exit. Returns false if a job arrived in the meantime.
func (q *TenantDispatchQueue) retire(tq *tenantQueue) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(tq.jobs) > 0 {
		return false
	}
	delete(q.tenants, tq.tenantID)
	return true
}

// drain is the single consumer for one tenant's queue. It delivers jobs in
// order with a pacing sleep between them, and exits when the queue has been
// idle for the idle timeout or the dispatch queue shuts down.
func (q *TenantDispatchQueue) drain(tq *tenantQueue) {
	defer q.wg.Done()

	logger := q.logger.With("tenant_id", tq.tenantID)
	logger.Debug("starting tenant drain loop")
	defer logger.Debug("stopped tenant drain loop")

	for {
		job, ok := q.pop(tq)
		if !ok {
			idle := time.NewTimer(q.config.IdleTimeout)
			select {
			case <-q.ctx.Done():
				idle.Stop()
				return
			case <-tq.signal:
				idle.Stop()
				continue
			case <-idle.C:
				if q.retire(tq) {
					logger.Debug("tenant idle, retiring queue")
					return
				}
				continue
			}
		}

		q.deliver(logger, job)

		if q.config.Interval > 0 {
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(q.config.Interval):
			}
		}
	}
}

// deliver attempts one job. Errors (and panics) are contained here: a
// failed delivery is logged and the job dropped, so one tenant's failures
// never stall another tenant's queue or crash the drain loop.
func (q *TenantDispatchQueue) deliver(logger *slog.Logger, job DispatchJob) {
	err := func() (deliverErr error) {
		defer func() {
			if r := recover(); r != nil {
				deliverErr = fmt.Errorf("panic delivering job: %v", r)
			}
		}()
		return q.deliverer.Deliver(q.ctx, job)
	}()

	if err != nil {
		logger.Error(
			"delivery failed, dropping job",
			"destination", job.Destination,
			"queued_for", time.Since(job.EnqueuedAt),
			tint.Err(err),
		)
	} else {
		logger.Debug(
			"delivered job",
			"destination", job.Destination,
			"queued_for", time.Since(job.EnqueuedAt),
		)
	}

	if q.audit != nil {
		q.audit.Record(q.ctx, job, err)
	}
}

// Pending returns the number of undelivered jobs for a tenant.
func (q *TenantDispatchQueue) Pending(tenantID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	tq, ok := q.tenants[tenantID]
	if !ok {
		return 0
	}
	return len(tq.jobs)
}

// Stop cancels every drain goroutine and waits for them to finish, bounded
// by ctx. Undelivered jobs are dropped.
func (q *TenantDispatchQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	remaining := 0
	for _, tq := range q.tenants {
		remaining += len(tq.jobs)
	}
	q.mu.Unlock()

	if remaining > 0 {
		q.logger.Warn("dropping undelivered jobs at shutdown", "count", remaining)
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
