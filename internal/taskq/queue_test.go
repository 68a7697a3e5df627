package taskq

import (
	"os"
	"testing"
	"time"

	"callflow/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if err := logger.Init(true); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := NewQueue(10)

	idA, err := q.Submit(KindGeneric, nil, 5, 0)
	require.NoError(t, err)
	idB, err := q.Submit(KindGeneric, nil, 1, 0)
	require.NoError(t, err)
	idC, err := q.Submit(KindGeneric, nil, 5, 0)
	require.NoError(t, err)

	assert.Equal(t, idB, q.next().ID)
	assert.Equal(t, idA, q.next().ID)
	assert.Equal(t, idC, q.next().ID)
	assert.Nil(t, q.next())
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue(10)

	first, _ := q.Submit(KindGeneric, nil, 3, 0)
	second, _ := q.Submit(KindGeneric, nil, 3, 0)
	third, _ := q.Submit(KindGeneric, nil, 3, 0)

	assert.Equal(t, first, q.next().ID)
	assert.Equal(t, second, q.next().ID)
	assert.Equal(t, third, q.next().ID)
}

func TestQueue_Full(t *testing.T) {
	q := NewQueue(2)

	_, err := q.Submit(KindGeneric, nil, 1, 0)
	require.NoError(t, err)
	_, err = q.Submit(KindGeneric, nil, 1, 0)
	require.NoError(t, err)

	_, err = q.Submit(KindGeneric, nil, 1, 0)
	assert.ErrorIs(t, err, ErrQueueFull)

	// draining frees capacity
	require.NotNil(t, q.next())
	_, err = q.Submit(KindGeneric, nil, 1, 0)
	assert.NoError(t, err)
}

func TestQueue_SubmitVisibleToGetStatus(t *testing.T) {
	q := NewQueue(10)

	id, err := q.Submit(KindTranscribe, TranscribePayload{CallID: "call-1"}, 2, 3)
	require.NoError(t, err)

	view, err := q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
	assert.Equal(t, KindTranscribe, view.Kind)
	assert.Equal(t, 2, view.Priority)
	assert.Equal(t, 3, view.MaxRetries)
}

func TestQueue_GetStatusUnknown(t *testing.T) {
	q := NewQueue(10)

	_, err := q.GetStatus("no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueue_CancelPendingOnly(t *testing.T) {
	q := NewQueue(10)

	id, _ := q.Submit(KindGeneric, nil, 1, 0)
	assert.True(t, q.Cancel(id))
	assert.False(t, q.Cancel(id))
	assert.False(t, q.Cancel("unknown"))

	// cancelled entries are discarded, never executed
	assert.Nil(t, q.next())

	view, err := q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)
}

func TestQueue_CancelRunningIsNoop(t *testing.T) {
	q := NewQueue(10)

	id, _ := q.Submit(KindGeneric, nil, 1, 0)
	job := q.next()
	require.Equal(t, id, job.ID)

	assert.False(t, q.Cancel(id))

	view, _ := q.GetStatus(id)
	assert.Equal(t, StatusRunning, view.Status)
}

func TestQueue_RetryDemotesPriority(t *testing.T) {
	q := NewQueue(10)

	failing, _ := q.Submit(KindGeneric, nil, 1, 2)

	job := q.next()
	require.Equal(t, failing, job.ID)
	q.retryOrFail(job, assert.AnError)

	// a later submission at the original priority now wins
	urgent, _ := q.Submit(KindGeneric, nil, 1, 0)

	assert.Equal(t, urgent, q.next().ID)
	retried := q.next()
	require.NotNil(t, retried)
	assert.Equal(t, failing, retried.ID)
	assert.Equal(t, 2, retried.Priority)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestQueue_Stats(t *testing.T) {
	q := NewQueue(10)

	q.Submit(KindGeneric, nil, 1, 0)
	id2, _ := q.Submit(KindGeneric, nil, 2, 0)

	job := q.next()
	q.markCompleted(job, "done")

	job2 := q.next()
	require.Equal(t, id2, job2.ID)
	q.retryOrFail(job2, assert.AnError)

	stats := q.Stats()
	assert.Equal(t, 0, stats.PendingCount)
	assert.Equal(t, 0, stats.ActiveCount)
	assert.Equal(t, int64(1), stats.CompletedCount)
	assert.Equal(t, int64(1), stats.FailedCount)
}

func TestQueue_CleanupEvictsFinished(t *testing.T) {
	q := NewQueue(10)

	done, _ := q.Submit(KindGeneric, nil, 1, 0)
	pending, _ := q.Submit(KindGeneric, nil, 2, 0)

	q.markCompleted(q.next(), "ok")

	// nothing young enough is evicted
	assert.Equal(t, 0, q.Cleanup(time.Hour))

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, q.Cleanup(time.Millisecond))

	_, err := q.GetStatus(done)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = q.GetStatus(pending)
	assert.NoError(t, err)
}
