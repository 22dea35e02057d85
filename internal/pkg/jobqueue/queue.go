package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PopGraph/internal/pkg/cache"
)

// Redis layout. Job bodies live under JobKeyPrefix+id; the lists and the
// delayed set only carry ids.
const (
	JobKeyPrefix     = "popgraph:job:"
	JobQueueKey      = "popgraph:jobs:pending"
	JobProcessingKey = "popgraph:jobs:processing"
	JobDelayedKey    = "popgraph:jobs:delayed"
	JobStatsKey      = "popgraph:jobs:stats"

	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour
	defaultWorkers    = 3
	retryBackoff      = 30 * time.Second
	stuckAfter        = 10 * time.Minute
	maintenanceEvery  = 5 * time.Second
)

// Queue runs background jobs stored in Redis. Failed jobs are parked in a
// sorted set scored by their next attempt, so retries survive restarts.
type Queue struct {
	client  *redis.Client
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	now     func() time.Time

	depsMu sync.RWMutex
	deps   Dependencies
}

func NewQueue(workers int) *Queue {
	return newQueueWithClient(cache.GetClient(), workers)
}

func newQueueWithClient(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		client:  client,
		workers: workers,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

func (q *Queue) clock() time.Time {
	if q.now == nil {
		return time.Now()
	}
	return q.now()
}

// Start launches the workers and the maintenance loop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.maintenance()
}

// Stop waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.wg.Wait()
	q.running = false
	q.stopCh = make(chan struct{})
	log.Info("[JobQueue] All workers stopped")
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		job, err := q.dequeueJob(ctx)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Worker %d: dequeue failed: %v", id, err)
				time.Sleep(time.Second)
			}
			continue
		}
		log.Debugf("[JobQueue] Worker %d processing job %s (%s)", id, job.ID, job.Type)
		q.processJob(ctx, job)
	}
}

// maintenance promotes due retries and recovers jobs whose worker died.
func (q *Queue) maintenance() {
	defer q.wg.Done()
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n, err := q.promoteDue(ctx); err != nil {
				log.Errorf("[JobQueue] Promoting delayed jobs failed: %v", err)
			} else if n > 0 {
				log.Debugf("[JobQueue] Promoted %d delayed jobs", n)
			}
			if err := q.recoverStuck(ctx, stuckAfter); err != nil {
				log.Errorf("[JobQueue] Recovering stuck jobs failed: %v", err)
			}
		}
	}
}

// EnqueueJob stores a job and makes it available to workers immediately.
func (q *Queue) EnqueueJob(jobType JobType, payload map[string]interface{}) (*Job, error) {
	ctx := context.Background()
	now := q.clock()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	log.Infof("[JobQueue] Enqueued job %s (%s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob moves the oldest pending id to the processing list. It returns
// redis.Nil when nothing arrived within a second.
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	id, err := q.client.BLMove(ctx, JobQueueKey, JobProcessingKey, "RIGHT", "LEFT", time.Second).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.removeFromProcessing(ctx, id)
		return nil, fmt.Errorf("job %s unreadable: %w", id, err)
	}
	return job, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.saveJob(ctx, job)

	if err := q.handle(ctx, job); err != nil {
		job.MarkAsFailed(err.Error())
		if job.IsRetryable() {
			delay := retryBackoff * time.Duration(job.RetryCount)
			log.Warnf("[JobQueue] Job %s failed, retry %d/%d in %s: %v", job.ID, job.RetryCount, job.MaxRetries, delay, err)
			job.MarkAsRetrying()
			q.saveJob(ctx, job)
			if zerr := q.client.ZAdd(ctx, JobDelayedKey, redis.Z{
				Score:  float64(q.clock().Add(delay).Unix()),
				Member: job.ID,
			}).Err(); zerr != nil {
				log.Errorf("[JobQueue] Could not schedule retry of %s: %v", job.ID, zerr)
			}
		} else {
			log.Errorf("[JobQueue] Job %s failed permanently after %d attempts: %v", job.ID, job.RetryCount, err)
			q.saveJob(ctx, job)
			q.incrStats(ctx, JobStatusFailed)
		}
		q.removeFromProcessing(ctx, job.ID)
		return
	}

	job.MarkAsCompleted()
	q.incrStats(ctx, JobStatusCompleted)
	q.removeFromProcessing(ctx, job.ID)
	if err := q.client.Del(ctx, JobKeyPrefix+job.ID).Err(); err != nil {
		log.Warnf("[JobQueue] Failed to delete completed job %s: %v", job.ID, err)
	}
	log.Infof("[JobQueue] Job %s completed", job.ID)
}

// handle dispatches a job to its processor
func (q *Queue) handle(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobTypeApplyMembership:
		return q.processApplyMembershipJob(ctx, job)
	case JobTypeArchiveCallback:
		return q.processArchiveCallbackJob(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// promoteDue moves retries whose time has come back to the pending list.
func (q *Queue) promoteDue(ctx context.Context) (int, error) {
	max := strconv.FormatInt(q.clock().Unix(), 10)
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		// ZRem decides which maintenance loop owns the id.
		removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// recoverStuck requeues jobs that sat in processing longer than maxAge.
func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration) error {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return err
	}
	now := q.clock()
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.removeFromProcessing(ctx, id)
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil {
			started = *job.ProcessedAt
		}
		if job.Status == JobStatusProcessing && now.Sub(started) <= maxAge {
			continue
		}
		log.Warnf("[JobQueue] Recovering job %s (%s) from processing", job.ID, job.Type)
		job.Status = JobStatusPending
		job.UpdatedAt = now
		q.saveJob(ctx, job)
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, JobProcessingKey, 1, id)
		pipe.RPush(ctx, JobQueueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to save job %s: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, id).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing: %v", id, err)
	}
}

func (q *Queue) incrStats(ctx context.Context, status JobStatus) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), 1).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns how many jobs were enqueued, completed and failed.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	raw, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[JobStatus]int64, len(raw))
	for status, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[JobStatus(status)] = n
		}
	}
	return out, nil
}

func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetDelayedSize returns the number of jobs waiting for a retry.
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}
