package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/idempotency"
	"github.com/ManuelReschke/PayFox/internal/pkg/lock"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
)

const OperationStart = "broadcast.start"

// LeaseTTL bounds how long a crashed worker keeps a run locked. Live
// workers renew it.
const LeaseTTL = 10 * time.Minute

var (
	ErrNotFound = errors.New("broadcast: run not found")
	// ErrRunTaken means another worker claimed the next batch first.
	ErrRunTaken = errors.New("broadcast: run advanced by another worker")
)

// Request describes a broadcast to start.
type Request struct {
	Subject  string `json:"subject" validate:"required,max=255"`
	Body     string `json:"body" validate:"required"`
	Audience string `json:"audience" validate:"required,oneof=all_customers marketing subscribers"`
}

// Dispatcher hands a created run to background execution.
type Dispatcher func(ctx context.Context, runID string) error

// Options tunes batching and pacing.
type Options struct {
	BatchSize  int
	BatchDelay time.Duration
	// PerSecond paces individual sends; 0 means unlimited.
	PerSecond float64
}

// LoadOptions reads BROADCAST_BATCH_SIZE, BROADCAST_BATCH_DELAY and
// BROADCAST_RATE_PER_SECOND.
func LoadOptions() Options {
	return Options{
		BatchSize:  env.GetInt("BROADCAST_BATCH_SIZE", 20),
		BatchDelay: env.GetDuration("BROADCAST_BATCH_DELAY", 2*time.Second),
		PerSecond:  env.GetFloat("BROADCAST_RATE_PER_SECOND", 5),
	}
}

// Runner sends administrator broadcasts in paced batches and persists
// progress after every batch.
type Runner struct {
	repo       repository.BroadcastRepository
	sender     mail.Sender
	guard      *idempotency.Guard
	locker     lock.Locker
	dispatch   Dispatcher
	batchSize  int
	batchDelay time.Duration
	limiter    *rate.Limiter
	validate   *validator.Validate
	now        func() time.Time
}

func NewRunner(repo repository.BroadcastRepository, sender mail.Sender, guard *idempotency.Guard, locker lock.Locker, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	limit := rate.Inf
	if opts.PerSecond > 0 {
		limit = rate.Limit(opts.PerSecond)
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	r := &Runner{
		repo:       repo,
		sender:     sender,
		guard:      guard,
		locker:     locker,
		batchSize:  opts.BatchSize,
		batchDelay: opts.BatchDelay,
		limiter:    rate.NewLimiter(limit, 1),
		validate:   validator.New(),
		now:        time.Now,
	}
	r.dispatch = r.resumeDetached
	return r
}

// SetDispatcher routes new runs through d, typically the job queue.
func (r *Runner) SetDispatcher(d Dispatcher) {
	if d != nil {
		r.dispatch = d
	}
}

func (r *Runner) resumeDetached(ctx context.Context, runID string) error {
	go func() {
		if err := r.Resume(context.WithoutCancel(ctx), runID); err != nil {
			log.Errorf("[Broadcast] Run %s stopped: %v", runID, err)
		}
	}()
	return nil
}

// Start creates a run and dispatches it. The same idempotency key replays
// the first run instead of mailing everyone twice.
func (r *Runner) Start(ctx context.Context, req Request, actor, idemKey string) (*models.BroadcastRun, idempotency.Outcome, error) {
	if err := idempotency.ValidateKey(idemKey); err != nil {
		return nil, idempotency.Outcome{}, err
	}
	if err := r.validate.Struct(req); err != nil {
		return nil, idempotency.Outcome{}, fmt.Errorf("invalid broadcast: %w", err)
	}
	if strings.TrimSpace(actor) == "" {
		return nil, idempotency.Outcome{}, errors.New("broadcast: actor required")
	}

	key := idempotency.Key(OperationStart, req.Audience, idemKey)
	return idempotency.Run(ctx, r.guard, OperationStart, key, func(ctx context.Context) (*models.BroadcastRun, error) {
		// Outlives the guard window: the row itself is unique per key.
		if existing, err := r.repo.GetByIdempotencyKey(ctx, key); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}

		total, err := r.repo.CountRecipients(ctx, req.Audience)
		if err != nil {
			return nil, err
		}
		run := &models.BroadcastRun{
			ID:             uuid.New().String(),
			IdempotencyKey: key,
			Subject:        req.Subject,
			Body:           req.Body,
			Audience:       req.Audience,
			Total:          int(total),
			Status:         models.BroadcastStatusRunning,
			StartedBy:      actor,
		}
		if err := r.repo.Create(ctx, run); err != nil {
			return nil, err
		}
		log.Infof("[Broadcast] Run %s started by %s for %d recipients (%s)", run.ID, actor, run.Total, run.Audience)

		if err := r.dispatch(ctx, run.ID); err != nil {
			// The run is persisted; an operator can resume it.
			log.Errorf("[Broadcast] Could not dispatch run %s: %v", run.ID, err)
		}
		return run, nil
	})
}

// Get returns a run by id.
func (r *Runner) Get(ctx context.Context, runID string) (*models.BroadcastRun, error) {
	run, err := r.repo.GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, runID, err)
	}
	return run, nil
}

// Resume continues a run from its persisted Processed offset. A cancelled
// ctx stops after saving progress; the run stays running and resumable.
// Every batch is claimed in the store before it is sent, so a second worker
// never mails the same recipients.
func (r *Runner) Resume(ctx context.Context, runID string) error {
	lease, err := r.locker.Hold(ctx, "broadcast:"+runID, LeaseTTL)
	if err != nil {
		return err
	}
	defer lease.Release()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lease.Lost():
			cancel(lock.ErrLost)
		case <-ctx.Done():
		}
	}()

	run, err := r.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.BroadcastStatusRunning {
		return nil
	}

	for {
		recipients, err := r.repo.ListRecipients(ctx, run.Audience, run.Processed, r.batchSize)
		if err != nil {
			return r.interrupt(ctx, run, run.Processed, err)
		}
		if len(recipients) == 0 {
			break
		}

		start := run.Processed
		run.Processed = start + len(recipients)
		if err := r.claim(ctx, run, start); err != nil {
			return err
		}
		claimed := run.Processed

		for i, rc := range recipients {
			if err := r.limiter.Wait(ctx); err != nil {
				run.Processed = start + i
				return r.interrupt(ctx, run, claimed, err)
			}
			msg := mail.Message{To: rc.Email, Subject: run.Subject, Body: run.Body}
			if err := r.sender.Send(ctx, msg); err != nil {
				run.Failed++
				run.LastError = fmt.Sprintf("customer %d: %v", rc.CustomerID, err)
			} else {
				run.Sent++
			}
		}

		if len(recipients) < r.batchSize {
			break
		}
		log.Debugf("[Broadcast] Run %s progress %d/%d", run.ID, run.Processed, run.Total)

		select {
		case <-ctx.Done():
			return r.interrupt(ctx, run, claimed, ctx.Err())
		case <-time.After(r.batchDelay):
		}
	}

	now := r.now().UTC()
	run.Status = models.BroadcastStatusCompleted
	run.CompletedAt = &now
	if run.Processed > run.Total {
		run.Total = run.Processed
	}
	if err := r.claim(ctx, run, run.Processed); err != nil {
		return err
	}
	log.Infof("[Broadcast] Run %s completed: sent=%d failed=%d", run.ID, run.Sent, run.Failed)
	return nil
}

// claim writes run while the stored offset still equals expected.
func (r *Runner) claim(ctx context.Context, run *models.BroadcastRun, expected int) error {
	ok, err := r.repo.AdvanceProgress(ctx, run, expected)
	if err != nil {
		return err
	}
	if !ok {
		log.Warnf("[Broadcast] Run %s moved past offset %d by another worker; stopping", run.ID, expected)
		return ErrRunTaken
	}
	return nil
}

// interrupt hands back the unsent part of the claimed batch.
func (r *Runner) interrupt(ctx context.Context, run *models.BroadcastRun, claimed int, cause error) error {
	if c := context.Cause(ctx); c != nil {
		cause = c
	}
	if ok, err := r.repo.AdvanceProgress(context.Background(), run, claimed); err != nil {
		log.Errorf("[Broadcast] Could not save progress of run %s: %v", run.ID, err)
	} else if !ok {
		log.Warnf("[Broadcast] Progress of run %s was advanced by another worker", run.ID)
	}
	log.Warnf("[Broadcast] Run %s interrupted at %d/%d: %v", run.ID, run.Processed, run.Total, cause)
	return cause
}

// MarkFailed closes a run that cannot be resumed.
func (r *Runner) MarkFailed(ctx context.Context, runID, reason string) error {
	run, err := r.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.BroadcastStatusRunning {
		return nil
	}
	run.Status = models.BroadcastStatusFailed
	run.LastError = reason
	log.Errorf("[Broadcast] Run %s failed at %d/%d: %s", run.ID, run.Processed, run.Total, reason)
	return r.repo.SaveProgress(ctx, run)
}
