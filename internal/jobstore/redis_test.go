package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soapscribe/backend/internal/domain"
	"github.com/soapscribe/backend/internal/jobstore"
)

func newTestRedisStore(t *testing.T) (*jobstore.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return jobstore.NewRedisStore(client, []string{"text_processing", "audio_processing"}), mr
}

func TestRedisStore_PutGetRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	job := newTestJob("j1", "user-a", "text_processing")
	require.NoError(t, store.PutNew(ctx, job))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "user-a", got.UserID)
	assert.Equal(t, domain.StateQueued, got.State)
}

func TestRedisStore_PopNextFIFO(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, newTestJob("first", "u", "text_processing")))
	require.NoError(t, store.PutNew(ctx, newTestJob("second", "u", "text_processing")))

	job, err := store.PopNext(ctx, "text_processing")
	require.NoError(t, err)
	assert.Equal(t, "first", job.ID)
	assert.Equal(t, domain.StateProcessing, job.State)
}

func TestRedisStore_PopNextEmpty(t *testing.T) {
	store, _ := newTestRedisStore(t)
	_, err := store.PopNext(context.Background(), "text_processing")
	assert.ErrorIs(t, err, jobstore.ErrQueueEmpty)
}

func TestRedisStore_CasUpdateConflictOnWrongState(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutNew(ctx, newTestJob("j1", "u", "text_processing")))

	result, _, err := store.CasUpdate(ctx, "j1", domain.StateProcessing, func(j *domain.Job) error {
		j.State = domain.StateCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, jobstore.CASConflict, result)

	result, updated, err := store.CasUpdate(ctx, "j1", domain.StateQueued, func(j *domain.Job) error {
		j.State = domain.StateProcessing
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, jobstore.CASOK, result)
	assert.Equal(t, domain.StateProcessing, updated.State)
}

func TestRedisStore_PromoteDue(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	due := newTestJob("due", "u", "text_processing")
	due.NextEligibleAt = time.Now().Add(-time.Second)
	require.NoError(t, store.EnqueueDelayed(ctx, due))

	notDue := newTestJob("notdue", "u", "text_processing")
	notDue.NextEligibleAt = time.Now().Add(time.Hour)
	require.NoError(t, store.EnqueueDelayed(ctx, notDue))

	_ = mr // keep reference; miniredis clock tracks real time for our purposes

	promoted, err := store.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err := store.PopNext(ctx, "text_processing")
	require.NoError(t, err)
	assert.Equal(t, "due", job.ID)
}

func TestRedisStore_ListByUser(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutNew(ctx, newTestJob("mine", "user-a", "text_processing")))
	require.NoError(t, store.PutNew(ctx, newTestJob("theirs", "user-b", "text_processing")))

	jobs, err := store.ListByUser(ctx, "user-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "mine", jobs[0].ID)
}

func TestRedisStore_Probe(t *testing.T) {
	store, mr := newTestRedisStore(t)
	assert.NoError(t, store.Probe(context.Background()))
	mr.Close()
	assert.Error(t, store.Probe(context.Background()))
}

func TestRedisStore_StatsReportsSizeAndOldestQueuedJob(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	older := newTestJob("older", "user-a", "text_processing")
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.PutNew(ctx, older))
	require.NoError(t, store.PutNew(ctx, newTestJob("newer", "user-a", "text_processing")))

	stats, err := store.Stats(ctx, "text_processing")
	require.NoError(t, err)
	assert.Equal(t, "text_processing", stats.QueueName)
	assert.Equal(t, int64(2), stats.Queued)
	assert.Equal(t, int64(2), stats.Size)
	require.NotNil(t, stats.OldestJobCreatedAt)
	assert.True(t, stats.OldestJobCreatedAt.Equal(older.CreatedAt))
}
