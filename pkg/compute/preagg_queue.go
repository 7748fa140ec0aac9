// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO. Push never blocks, so device callbacks can
// hand tasks back without waiting on workers.
type queue[T any] struct {
	_lock   sync.Mutex
	_items  []T
	_closed bool
	_signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{_signal: make(chan struct{}, 1)}
}

func (q *queue[T]) notify() {
	select {
	case q._signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) Push(item T) {
	q._lock.Lock()
	if q._closed {
		q._lock.Unlock()
		panic("push on closed queue")
	}
	q._items = append(q._items, item)
	q._lock.Unlock()
	q.notify()
}

// Pop waits for an item. It returns false once the queue is closed and
// drained or ctx is done.
func (q *queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		q._lock.Lock()
		if len(q._items) > 0 {
			item := q._items[0]
			q._items[0] = zero
			q._items = q._items[1:]
			more := len(q._items) > 0 || q._closed
			q._lock.Unlock()
			if more {
				//wake up the next waiter
				q.notify()
			}
			return item, true
		}
		if q._closed {
			q._lock.Unlock()
			q.notify()
			return zero, false
		}
		q._lock.Unlock()
		select {
		case <-q._signal:
		case <-ctx.Done():
			return zero, false
		}
	}
}

func (q *queue[T]) Close() {
	q._lock.Lock()
	q._closed = true
	q._lock.Unlock()
	q.notify()
}

func (q *queue[T]) Len() int {
	q._lock.Lock()
	defer q._lock.Unlock()
	return len(q._items)
}
