package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soapscribe/backend/internal/domain"
)

// RedisStore is the production Store, backed by Redis lists for FIFO
// queues, a per-queue sorted set for the delayed/retry due-time index,
// and a per-user sorted set plus per-state sets for the listing
// operations. Job
// records themselves live as plain JSON strings, never hashes or
// language-specific encodings, so nothing but this package's own
// (de)serialization code ever interprets a job's bytes.
type RedisStore struct {
	client  redis.UniversalClient
	queues  []string
}

// NewRedisStore wraps an already-constructed client. queues lists every
// known queue name up front so PromoteDue and Stats know what to scan;
// the set is small and fixed at startup (§6), so this is simpler than
// discovering queues dynamically.
func NewRedisStore(client redis.UniversalClient, queues []string) *RedisStore {
	return &RedisStore{client: client, queues: queues}
}

func jobKey(id string) string       { return "job:" + id }
func queueKey(queue string) string  { return "queue:" + queue }
func delayedKey(queue string) string { return "delayed:" + queue }
func userKey(userID string) string  { return "user_jobs:" + userID }
func stateKey(state domain.JobState) string { return "state_jobs:" + string(state) }

func (r *RedisStore) encode(job *domain.Job) (string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("jobstore: marshal job: %w", err)
	}
	return string(b), nil
}

func (r *RedisStore) decode(data string) (*domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("jobstore: unmarshal job: %w", err)
	}
	return &job, nil
}

func (r *RedisStore) PutNew(ctx context.Context, job *domain.Job) error {
	data, err := r.encode(job)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.RPush(ctx, queueKey(job.Queue), job.ID)
	pipe.ZAdd(ctx, userKey(job.UserID), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
	pipe.SAdd(ctx, stateKey(job.State), job.ID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("jobstore: put new job: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get job: %w", err)
	}
	return r.decode(data)
}

// CasUpdate uses a Redis WATCH transaction on the job's own key: if
// another CasUpdate commits between our read and our write, Redis
// aborts the transaction and go-redis reports redis.TxFailedErr, which
// we surface as a conflict rather than retrying silently — the caller
// (the retry engine or a worker) decides whether to re-read and retry.
func (r *RedisStore) CasUpdate(ctx context.Context, id string, expectedState domain.JobState, mutate func(j *domain.Job) error) (CASResult, *domain.Job, error) {
	var result CASResult
	var out *domain.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(id)).Result()
		if err == redis.Nil {
			result = CASNotFound
			return nil
		}
		if err != nil {
			return err
		}

		current, err := r.decode(data)
		if err != nil {
			return err
		}
		if current.State != expectedState {
			result = CASConflict
			out = current
			return nil
		}

		working := current.Clone()
		if mutErr := mutate(working); mutErr != nil {
			result = CASConflict
			out = current
			return mutErr
		}

		newData, err := r.encode(working)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), newData, 0)
			if working.State != current.State {
				pipe.SRem(ctx, stateKey(current.State), id)
				pipe.SAdd(ctx, stateKey(working.State), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = CASOK
		out = working
		return nil
	}

	err := r.client.Watch(ctx, txf, jobKey(id))
	if err == redis.TxFailedErr {
		return CASConflict, nil, nil
	}
	if err != nil {
		return result, nil, fmt.Errorf("jobstore: cas update: %w", err)
	}
	return result, out, nil
}

// PopNext pops the head of queue and marks it processing inside the
// same CAS loop CasUpdate uses, so a concurrently cancelled job (P3,
// I1) is never handed to two workers.
func (r *RedisStore) PopNext(ctx context.Context, queue string) (*domain.Job, error) {
	for {
		id, err := r.client.LPop(ctx, queueKey(queue)).Result()
		if err == redis.Nil {
			return nil, ErrQueueEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("jobstore: pop queue: %w", err)
		}

		result, job, err := r.CasUpdate(ctx, id, domain.StateQueued, func(j *domain.Job) error {
			j.State = domain.StateProcessing
			now := time.Now()
			j.StartedAt = &now
			return nil
		})
		if err != nil {
			return nil, err
		}
		if result == CASOK {
			return job, nil
		}
		// Job was cancelled or already claimed between LPop and our CAS
		// (e.g. a delayed retry re-enqueued it out from under a stale
		// id still present in the list); move on to the next id.
	}
}

func (r *RedisStore) EnqueueDelayed(ctx context.Context, job *domain.Job) error {
	data, err := r.encode(job)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: float64(job.NextEligibleAt.UnixNano()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("jobstore: enqueue delayed: %w", err)
	}
	return nil
}

func (r *RedisStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	promoted := 0
	for _, queue := range r.queues {
		key := delayedKey(queue)
		ids, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", now.UnixNano()),
		}).Result()
		if err != nil {
			return promoted, fmt.Errorf("jobstore: promote due scan: %w", err)
		}
		for _, id := range ids {
			pipe := r.client.TxPipeline()
			pipe.ZRem(ctx, key, id)
			pipe.RPush(ctx, queueKey(queue), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return promoted, fmt.Errorf("jobstore: promote due move: %w", err)
			}
			promoted++
		}
	}
	return promoted, nil
}

func (r *RedisStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	ids, err := r.client.ZRevRange(ctx, userKey(userID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: list by user: %w", err)
	}
	return r.fetchAll(ctx, ids)
}

func (r *RedisStore) ListByState(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	ids, err := r.client.SMembers(ctx, stateKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: list by state: %w", err)
	}
	jobs, err := r.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *RedisStore) fetchAll(ctx context.Context, ids []string) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisStore) Stats(ctx context.Context, queue string) (Stats, error) {
	s := Stats{QueueName: queue}
	var err error
	if s.Queued, err = r.client.LLen(ctx, queueKey(queue)).Result(); err != nil {
		return s, fmt.Errorf("jobstore: stats queued: %w", err)
	}
	if s.Delayed, err = r.client.ZCard(ctx, delayedKey(queue)).Result(); err != nil {
		return s, fmt.Errorf("jobstore: stats delayed: %w", err)
	}
	s.Size = s.Queued + s.Delayed

	// The queue list is a FIFO (RPush at tail, LPop at head), so index
	// 0 is the oldest queued job.
	if headIDs, herr := r.client.LRange(ctx, queueKey(queue), 0, 0).Result(); herr == nil && len(headIDs) > 0 {
		if headJob, jerr := r.Get(ctx, headIDs[0]); jerr == nil {
			created := headJob.CreatedAt
			s.OldestJobCreatedAt = &created
		}
	}

	counts := map[domain.JobState]*int64{
		domain.StateProcessing: &s.Processing,
		domain.StateCompleted:  &s.Completed,
		domain.StateFailed:     &s.Failed,
		domain.StateCancelled:  &s.Cancelled,
	}
	for state, dst := range counts {
		ids, serr := r.client.SMembers(ctx, stateKey(state)).Result()
		if serr != nil {
			return s, fmt.Errorf("jobstore: stats state scan: %w", serr)
		}
		for _, id := range ids {
			job, jerr := r.Get(ctx, id)
			if jerr != nil {
				continue
			}
			if job.Queue == queue {
				*dst++
			}
		}
	}
	return s, nil
}

func (r *RedisStore) CleanupTerminal(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	removed := 0
	for _, state := range []domain.JobState{domain.StateCompleted, domain.StateFailed, domain.StateCancelled} {
		ids, err := r.client.SMembers(ctx, stateKey(state)).Result()
		if err != nil {
			return removed, fmt.Errorf("jobstore: cleanup scan: %w", err)
		}
		for _, id := range ids {
			job, err := r.Get(ctx, id)
			if err == ErrNotFound {
				r.client.SRem(ctx, stateKey(state), id)
				continue
			}
			if err != nil {
				return removed, err
			}
			if job.CompletedAt == nil || now.Sub(*job.CompletedAt) <= olderThan {
				continue
			}
			pipe := r.client.TxPipeline()
			pipe.Del(ctx, jobKey(id))
			pipe.SRem(ctx, stateKey(state), id)
			pipe.ZRem(ctx, userKey(job.UserID), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("jobstore: cleanup delete: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func (r *RedisStore) Probe(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	if closer, ok := r.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
