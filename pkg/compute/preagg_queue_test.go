package compute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueOrder(t *testing.T) {
	q := newQueue[int]()
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	assert.Equal(t, 10, q.Len())
	for i := 0; i < 10; i++ {
		v, ok := q.Pop(context.Background())
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
	q.Close()
	_, ok := q.Pop(context.Background())
	assert.False(t, ok)
	assert.Panics(t, func() {
		q.Push(1)
	})
}

func TestQueueDrainAfterClose(t *testing.T) {
	q := newQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Close()
	v, ok := q.Pop(context.Background())
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Pop(context.Background())
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = q.Pop(context.Background())
	assert.False(t, ok)
}

func TestQueueBlockingPop(t *testing.T) {
	q := newQueue[int]()
	const nconsumers = 4
	const nitems = 1000
	var lock sync.Mutex
	seen := make(map[int]int)
	wg := sync.WaitGroup{}
	for i := 0; i < nconsumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Pop(context.Background())
				if !ok {
					return
				}
				lock.Lock()
				seen[v]++
				lock.Unlock()
			}
		}()
	}
	for i := 0; i < nitems; i++ {
		q.Push(i)
	}
	q.Close()
	wg.Wait()
	assert.Len(t, seen, nitems)
	for _, cnt := range seen {
		assert.Equal(t, 1, cnt)
	}
}

func TestQueueCancel(t *testing.T) {
	q := newQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)
	assert.Error(t, ctx.Err())
}
