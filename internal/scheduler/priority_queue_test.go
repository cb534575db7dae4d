package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueueFunctionality(t *testing.T) {
	pq := NewPriorityQueue()

	// Test high priority task executes first
	highPriorityTask := &Task{ID: 1, Priority: PriorityHigh}
	lowPriorityTask := &Task{ID: 2, Priority: PriorityLow}

	pq.Push(lowPriorityTask)
	pq.Push(highPriorityTask)

	assert.Equal(t, highPriorityTask, pq.Pop(), "High priority task should execute first")
	assert.Equal(t, lowPriorityTask, pq.Pop(), "Then low priority task")

	// Test equal priority tasks (FIFO)
	task1 := &Task{ID: 3, Priority: PriorityNormal}
	task2 := &Task{ID: 4, Priority: PriorityNormal}

	pq.Push(task1)
	pq.Push(task2)

	assert.Equal(t, task1, pq.Pop(), "First added task should execute first when priorities are equal")
	assert.Equal(t, task2, pq.Pop(), "Second added task should execute next when priorities are equal")

	assert.Nil(t, pq.Pop(), "Empty queue returns nil")
}

func TestPriorityQueueHighJumpsAheadOfQueued(t *testing.T) {
	pq := NewPriorityQueue()

	normal1 := &Task{ID: 1, Priority: PriorityNormal}
	low := &Task{ID: 2, Priority: PriorityLow}
	normal2 := &Task{ID: 3, Priority: PriorityNormal}
	high1 := &Task{ID: 4, Priority: PriorityHigh}
	high2 := &Task{ID: 5, Priority: PriorityHigh}

	for _, task := range []*Task{normal1, low, normal2, high1, high2} {
		pq.Push(task)
	}
	assert.Equal(t, 5, pq.Len())

	var order []uint64
	for task := pq.Pop(); task != nil; task = pq.Pop() {
		order = append(order, task.ID)
	}
	assert.Equal(t, []uint64{4, 5, 1, 3, 2}, order)
}
