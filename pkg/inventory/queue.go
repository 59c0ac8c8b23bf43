// Copyright 2016 Nokia Corporation and/or its subsidiary(-ies).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inventory

import (
	"container/heap"
	"context"
	"sync"
)

// UpdateTypeCluster is the only update type today. The type doubles as
// the queue priority, lower first.
const UpdateTypeCluster = 0

// Update is one pending reconciliation unit.
type Update struct {
	Type int
	Key  string
}

type queueEntry struct {
	update Update
	seq    uint64
}

type entryHeap []queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].update.Type != h[j].update.Type {
		return h[i].update.Type < h[j].update.Type
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(queueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue is the priority queue shared by the checker and the applier.
// Lower types first, FIFO among equal types.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries entryHeap
	seq     uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an update.
func (q *Queue) Push(u Update) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.entries, queueEntry{update: u, seq: q.seq})
	q.cond.Signal()
}

// Len returns the number of pending updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pop blocks until an update is available or the context ends. The
// second return value is false when the context ended.
func (q *Queue) Pop(ctx context.Context) (Update, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Take the lock so the wakeup cannot slip between the
			// waiter's ctx check and its Wait call.
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 {
		if ctx.Err() != nil {
			return Update{}, false
		}
		q.cond.Wait()
	}
	e := heap.Pop(&q.entries).(queueEntry)
	return e.update, true
}
