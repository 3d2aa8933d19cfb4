// Package queue implements the task queue (C7): four priority classes,
// in-flight tracking, timeout reclamation, and drop-new overflow.
package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/identity"
)

// Priority is one of the four priority classes, bucketed from a raw byte
// input 0-63/64-127/128-191/192-255 (§4.7).
type Priority uint8

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// PriorityFromByte buckets a raw u8 priority into one of the four classes.
func PriorityFromByte(b uint8) Priority {
	switch {
	case b < 64:
		return Low
	case b < 128:
		return Normal
	case b < 192:
		return High
	default:
		return Critical
	}
}

// DefaultMaxRetries is the retry ceiling Fail applies to a requeue. The
// orchestrator's own retry path uses its configured MaxRetries instead.
const DefaultMaxRetries = 3

const DefaultClassCapacity = 256

// TaskID is the 32-byte, content-addressed (or caller-provided) task
// identifier.
type TaskID [32]byte

// Task is one unit of work.
type Task struct {
	TaskID     TaskID
	Skill      string
	Payload    []byte
	Priority   Priority
	Target     *identity.NodeID
	Retries    uint32
	CreatedAt  time.Time
}

// Stats is the queue's on-demand statistics snapshot (§4.7).
type Stats struct {
	Low, Normal, High, Critical int
	InFlight                    int
}

func (s Stats) TotalQueued() int { return s.Low + s.Normal + s.High + s.Critical }

// Queue holds the four priority FIFOs and the in-flight table. Per-class
// capacity is bounded; overflow policy is drop-new.
type Queue struct {
	mu           sync.Mutex
	classes      map[Priority]*list.List
	inFlight     map[TaskID]*Task
	maxClassSize int
}

func New(maxClassSize int) *Queue {
	q := &Queue{
		classes:      make(map[Priority]*list.List, 4),
		inFlight:     make(map[TaskID]*Task),
		maxClassSize: maxClassSize,
	}
	for _, p := range []Priority{Low, Normal, High, Critical} {
		q.classes[p] = list.New()
	}
	return q
}

// Enqueue pushes to the back of t.Priority's class. Rejects (without side
// effects) if the class is at capacity.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cl := q.classes[t.Priority]
	if cl.Len() >= q.maxClassSize {
		return grid.ErrQueueFull.WithContext("priority", t.Priority)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cl.PushBack(t)
	return nil
}

// Dequeue scans Critical, High, Normal, Low in order and pops the front of
// the first non-empty class, moving the task into in-flight.
func (q *Queue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range []Priority{Critical, High, Normal, Low} {
		cl := q.classes[p]
		if front := cl.Front(); front != nil {
			cl.Remove(front)
			t := front.Value.(*Task)
			q.inFlight[t.TaskID] = t
			return t, true
		}
	}
	return nil, false
}

// Complete removes a task from in-flight on success.
func (q *Queue) Complete(id TaskID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
}

// Fail removes a task from in-flight. If requeue is set and the task has
// not exhausted DefaultMaxRetries, it is incremented and re-enqueued at the
// same priority. A task that has exhausted its retries is removed and
// returned without being requeued.
func (q *Queue) Fail(id TaskID, requeue bool) (*Task, bool) {
	q.mu.Lock()
	t, ok := q.inFlight[id]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	delete(q.inFlight, id)
	q.mu.Unlock()

	if requeue && t.Retries < DefaultMaxRetries {
		t.Retries++
		_ = q.Enqueue(t)
	}
	return t, true
}

// CleanupTimeouts walks in-flight and removes entries older than
// threshold, returning their ids.
func (q *Queue) CleanupTimeouts(threshold time.Duration) []TaskID {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var timedOut []TaskID
	for id, t := range q.inFlight {
		if now.Sub(t.CreatedAt) > threshold {
			timedOut = append(timedOut, id)
			delete(q.inFlight, id)
		}
	}
	return timedOut
}

func (q *Queue) InFlightCount(id identity.NodeID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.inFlight {
		if t.Target != nil && *t.Target == id {
			n++
		}
	}
	return n
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Low:      q.classes[Low].Len(),
		Normal:   q.classes[Normal].Len(),
		High:     q.classes[High].Len(),
		Critical: q.classes[Critical].Len(),
		InFlight: len(q.inFlight),
	}
}
