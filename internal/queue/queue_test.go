package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPriorityFromByteBuckets(t *testing.T) {
	require.Equal(t, Low, PriorityFromByte(0))
	require.Equal(t, Low, PriorityFromByte(63))
	require.Equal(t, Normal, PriorityFromByte(64))
	require.Equal(t, Normal, PriorityFromByte(127))
	require.Equal(t, High, PriorityFromByte(128))
	require.Equal(t, High, PriorityFromByte(191))
	require.Equal(t, Critical, PriorityFromByte(192))
	require.Equal(t, Critical, PriorityFromByte(255))
}

func TestDequeueOrdersByPriority(t *testing.T) {
	q := New(DefaultClassCapacity)
	low := &Task{TaskID: TaskID{1}, Priority: Low}
	crit := &Task{TaskID: TaskID{2}, Priority: Critical}
	require.NoError(t, q.Enqueue(low))
	require.NoError(t, q.Enqueue(crit))

	first, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, crit.TaskID, first.TaskID)

	second, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, low.TaskID, second.TaskID)
}

func TestQueueFullDropsNew(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Enqueue(&Task{TaskID: TaskID{1}, Priority: Low}))
	err := q.Enqueue(&Task{TaskID: TaskID{2}, Priority: Low})
	require.Error(t, err)
	require.Equal(t, 1, q.Stats().Low)
}

func TestFailRequeueIncrementsRetries(t *testing.T) {
	q := New(DefaultClassCapacity)
	task := &Task{TaskID: TaskID{1}, Priority: Normal}
	require.NoError(t, q.Enqueue(task))
	dequeued, ok := q.Dequeue()
	require.True(t, ok)

	failed, ok := q.Fail(dequeued.TaskID, true)
	require.True(t, ok)
	require.EqualValues(t, 1, failed.Retries)
	require.Equal(t, 1, q.Stats().Normal)
}

func TestCleanupTimeouts(t *testing.T) {
	q := New(DefaultClassCapacity)
	task := &Task{TaskID: TaskID{1}, Priority: Low, CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, q.Enqueue(task))
	_, ok := q.Dequeue()
	require.True(t, ok)

	timedOut := q.CleanupTimeouts(time.Second)
	require.Len(t, timedOut, 1)
	require.Equal(t, 0, q.Stats().InFlight)
}
