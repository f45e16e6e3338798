package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueuePollFIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Enqueue(i)
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok, err := q.Poll(context.Background(), time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestPollTimeout(t *testing.T) {
	q := New[string]()
	start := time.Now()
	_, ok, err := q.Poll(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPollCancelled(t *testing.T) {
	q := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := q.Poll(ctx, time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandoffBlocksUntilTaken(t *testing.T) {
	q := New[int]()
	done := make(chan error, 1)
	go func() {
		done <- q.Handoff(context.Background(), 7)
	}()

	select {
	case <-done:
		t.Fatal("handoff returned before a consumer took the item")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok, err := q.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, v)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handoff did not return after the item was taken")
	}
}

func TestHandoffCancelledLeavesItem(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Handoff(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestPollWakesOnEnqueue(t *testing.T) {
	q := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(3)
	}()
	v, ok, err := q.Poll(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestConcurrentConsumersSeeEveryItemOnce(t *testing.T) {
	q := New[int]()
	const n = 500

	var mu sync.Mutex
	seen := make(map[int]int)
	total := 0
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				finished := total >= n
				mu.Unlock()
				if finished {
					return
				}
				v, ok, err := q.Poll(context.Background(), 10*time.Millisecond)
				if err != nil {
					return
				}
				if !ok {
					continue
				}
				mu.Lock()
				seen[v]++
				total++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		if i%2 == 0 {
			q.Enqueue(i)
		} else {
			require.NoError(t, q.Handoff(context.Background(), i))
		}
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for i, c := range seen {
		assert.Equal(t, 1, c, "item %d", i)
	}
}
