package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

const (
	// Redis key prefixes
	JobKeyPrefix      = "job:"
	JobDedupKeyPrefix = "job_dedup:"
	JobQueueKey       = "job_queue"
	JobProcessingKey  = "job_processing"
	JobDeadLetterKey  = "job_dead_letter"
	JobStatsKey       = "job_stats"

	// Job settings
	DefaultMaxRetries = 5
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours
	DeadLetterTTL     = 30 * 24 * time.Hour

	// Stuck sweeper
	DefaultStuckAge = 10 * time.Minute
	// Broadcast workers renew their run lease, so these jobs legitimately
	// stay in processing for a long time.
	BroadcastStuckAge = time.Hour
)

// ErrDuplicateJob is returned when a job with the same id was enqueued
// within JobTTL.
var ErrDuplicateJob = errors.New("jobqueue: duplicate job")

// Processor executes one job. A returned error schedules a retry.
type Processor func(ctx context.Context, job *Job) error

// DeadLetterHook is called once a job exhausted its retries.
type DeadLetterHook func(ctx context.Context, job *Job)

// Queue manages background jobs using Redis
type Queue struct {
	client      *redis.Client
	workers     int
	workerPool  chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	retryBase   time.Duration
	processors  map[JobType]Processor
	deadLetters map[JobType]DeadLetterHook
	stuckAges   map[JobType]time.Duration
}

// NewQueue creates a new job queue on the global Redis client
func NewQueue(workers int) *Queue {
	return NewQueueWithClient(cache.GetClient(), workers)
}

// NewQueueWithClient creates a queue on an explicit client.
func NewQueueWithClient(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:      client,
		workers:     workers,
		workerPool:  make(chan struct{}, workers),
		stopCh:      make(chan struct{}),
		retryBase:   time.Minute,
		processors:  make(map[JobType]Processor),
		deadLetters: make(map[JobType]DeadLetterHook),
		stuckAges:   map[JobType]time.Duration{JobTypeBroadcast: BroadcastStuckAge},
	}
}

// Register installs the processor for a job type. Call before Start.
func (q *Queue) Register(jobType JobType, p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[jobType] = p
}

// OnDeadLetter installs a hook for jobs of a type that exhausted retries.
func (q *Queue) OnDeadLetter(jobType JobType, hook DeadLetterHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters[jobType] = hook
}

// SetRetryBase changes the linear retry delay unit (default one minute).
func (q *Queue) SetRetryBase(d time.Duration) {
	q.retryBase = d
}

// SetStuckAge overrides how long a job type may stay in processing before
// the sweeper requeues it. Call before Start.
func (q *Queue) SetStuckAge(jobType JobType, d time.Duration) {
	q.stuckAges[jobType] = d
}

func (q *Queue) stuckAge(jobType JobType, fallback time.Duration) time.Duration {
	if d, ok := q.stuckAges[jobType]; ok && d > fallback {
		return d
	}
	return fallback
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	// Initialize worker pool
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	// Start workers
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Start stuck-processing sweeper (recovers jobs stuck in processing due to crashes)
	q.wg.Add(1)
	go q.stuckSweeper(DefaultStuckAge, 1*time.Minute)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()
	// Workers take q.mu to look up processors.
	q.wg.Wait()
	q.mu.Lock()
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			if n, err := q.recoverStuck(ctx, maxAge, time.Now()); err != nil {
				log.Errorf("[JobQueue] Sweeper error: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] Sweeper recovered %d stuck jobs", n)
			}
		}
	}
}

// recoverStuck moves jobs that stayed in processing longer than maxAge, or
// their type's longer stuck age, back to the pending list.
func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Job data missing or unreadable; remove from processing list
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper could not load %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			// Clean up stray entry
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		// Determine when processing started
		started := job.ProcessedAt
		if started == nil || started.IsZero() {
			tmp := job.UpdatedAt
			if tmp.IsZero() {
				tmp = job.CreatedAt
			}
			started = &tmp
		}
		if now.Sub(*started) > q.stuckAge(job.Type, maxAge) {
			log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(*started))
			job.Status = JobStatusPending
			job.ErrorMsg = "recovered by sweeper"
			job.UpdatedAt = now
			q.updateJob(ctx, job)
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			_ = q.client.RPush(ctx, JobQueueKey, id).Err()
			recovered++
		}
	}
	return recovered, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			// Acquire worker slot
			<-q.workerPool

			// Try to get a job from the queue
			job, err := q.dequeueJob(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
				q.processJob(ctx, job)
			}

			// Release worker slot
			q.workerPool <- struct{}{}
		}
	}
}

// EnqueueJob adds a new job with a random id to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	return q.enqueue(ctx, uuid.New().String(), jobType, payload)
}

// EnqueueUniqueJob enqueues a job whose id is derived from a natural key
// such as the processor event id. A second call with the same id within
// JobTTL returns ErrDuplicateJob and enqueues nothing.
func (q *Queue) EnqueueUniqueJob(ctx context.Context, jobID string, jobType JobType, payload map[string]interface{}) (*Job, error) {
	ok, err := q.client.SetNX(ctx, JobDedupKeyPrefix+jobID, time.Now().Unix(), JobTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job id %s: %w", jobID, err)
	}
	if !ok {
		return nil, ErrDuplicateJob
	}
	job, err := q.enqueue(ctx, jobID, jobType, payload)
	if err != nil {
		// Let the next delivery try again.
		_ = q.client.Del(ctx, JobDedupKeyPrefix+jobID).Err()
		return nil, err
	}
	return job, nil
}

func (q *Queue) enqueue(ctx context.Context, jobID string, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         jobID,
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}

	// Store job data
	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	jobKey := JobKeyPrefix + job.ID

	// Use a pipeline for atomic operations
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Job data missing or invalid, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not usable for ID %s: %v", jobID, err)
	}
	return job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	err := q.run(ctx, job)

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		// Check if job can be retried
		if job.IsRetryable() {
			log.Infof("[JobQueue] Retrying job %s (Attempt %d/%d)", job.ID, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)

			// Re-enqueue for retry after a linear delay
			jobID := job.ID
			time.AfterFunc(q.retryBase*time.Duration(job.RetryCount), func() {
				q.client.LPush(context.Background(), JobQueueKey, jobID)
			})
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d attempts, moving to dead letters", job.ID, job.RetryCount)
			q.deadLetter(ctx, job)
		}
	} else {
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		// Remove completed job from Redis entirely
		q.removeCompletedJob(ctx, job.ID)
	}

	q.removeFromProcessing(ctx, job.ID)
}

// run invokes the registered processor; panics count as failures.
func (q *Queue) run(ctx context.Context, job *Job) (err error) {
	q.mu.Lock()
	p, ok := q.processors[job.Type]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p(ctx, job)
}

func (q *Queue) deadLetter(ctx context.Context, job *Job) {
	job.MarkAsDead()
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal dead job %s: %v", job.ID, err)
		return
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, DeadLetterTTL)
	pipe.LPush(ctx, JobDeadLetterKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusDead), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to dead-letter job %s: %v", job.ID, err)
	}
	metrics.DeadLetters.WithLabelValues(string(job.Type)).Inc()

	q.mu.Lock()
	hook := q.deadLetters[job.Type]
	q.mu.Unlock()
	if hook != nil {
		hook(ctx, job)
	}
}

// RequeueDeadLetters moves up to limit dead jobs back to the pending list
// with a fresh retry budget. limit <= 0 requeues all of them.
func (q *Queue) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	requeued := 0
	for limit <= 0 || requeued < limit {
		jobID, err := q.client.RPop(ctx, JobDeadLetterKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return requeued, err
		}
		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			log.Warnf("[JobQueue] Dead job %s has no data, dropping: %v", jobID, err)
			continue
		}
		job.ResetForRequeue()
		q.updateJob(ctx, job)
		if err := q.client.RPush(ctx, JobQueueKey, job.ID).Err(); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		log.Infof("[JobQueue] Requeued %d dead-lettered jobs", requeued)
	}
	return requeued, nil
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	jobKey := JobKeyPrefix + job.ID
	if err := q.client.Set(ctx, jobKey, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis. The
// dedup marker stays so redeliveries of the same natural key are ignored.
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	jobKey := JobKeyPrefix + jobID
	if err := q.client.Del(ctx, jobKey).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	} else {
		log.Debugf("[JobQueue] Successfully removed completed job %s from Redis", jobID)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobKey := JobKeyPrefix + jobID
	jobData, err := q.client.Get(ctx, jobKey).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// Stats is a snapshot of queue sizes and lifetime counters.
type Stats struct {
	Pending     int64               `json:"pending"`
	Processing  int64               `json:"processing"`
	DeadLetters int64               `json:"dead_letters"`
	Counters    map[JobStatus]int64 `json:"counters"`
}

// GetStats returns list sizes and the counters hash.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, JobQueueKey)
	processing := pipe.LLen(ctx, JobProcessingKey)
	dead := pipe.LLen(ctx, JobDeadLetterKey)
	counters := pipe.HGetAll(ctx, JobStatsKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := &Stats{
		Pending:     pending.Val(),
		Processing:  processing.Val(),
		DeadLetters: dead.Val(),
		Counters:    make(map[JobStatus]int64),
	}
	for status, count := range counters.Val() {
		if countInt, err := json.Number(count).Int64(); err == nil {
			out.Counters[JobStatus(status)] = countInt
		}
	}
	return out, nil
}
