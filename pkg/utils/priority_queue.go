package utils

import "container/heap"

// Compares the priority of items in a priority queue.
// A negative result means a is served before b.
type PriorityFunc[T any] func(a, b T) int

// A priority queue. Not safe for concurrent use, callers serialize access.
type PriorityQueue[T any] struct {
	heap priorityHeap[T]
}

// Creates a new priority queue.
func NewPriorityQueue[T any](compare PriorityFunc[T]) *PriorityQueue[T] {
	return &PriorityQueue[T]{
		heap: priorityHeap[T]{
			items:   make([]T, 0),
			compare: compare,
		},
	}
}

// Pushes an item onto the priority queue.
func (pq *PriorityQueue[T]) Push(item T) {
	heap.Push(&pq.heap, item)
}

// Pops the highest priority item from the priority queue.
// The second return value is false if the queue is empty.
func (pq *PriorityQueue[T]) Pop() (T, bool) {
	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.heap).(T), true
}

// Returns the highest priority item without removing it.
func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return pq.heap.items[0], true
}

// Returns the number of items in the priority queue.
func (pq *PriorityQueue[T]) Len() int {
	return pq.heap.Len()
}

type priorityHeap[T any] struct {
	items   []T
	compare PriorityFunc[T]
}

func (pq priorityHeap[T]) Len() int {
	return len(pq.items)
}

func (pq priorityHeap[T]) Less(i, j int) bool {
	return pq.compare(pq.items[i], pq.items[j]) < 0
}

func (pq priorityHeap[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
}

func (pq *priorityHeap[T]) Push(x any) {
	pq.items = append(pq.items, x.(T))
}

func (pq *priorityHeap[T]) Pop() any {
	n := len(pq.items)
	x := pq.items[n-1]
	var zero T
	pq.items[n-1] = zero
	pq.items = pq.items[:n-1]
	return x
}
