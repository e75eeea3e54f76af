package inflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
)

// syncExecutor runs tasks inline, for deterministic tests.
type syncExecutor struct{}

func (syncExecutor) Submit(task func()) bool {
	task()
	return true
}

// deferredExecutor collects tasks so the test controls when they run.
type deferredExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (e *deferredExecutor) Submit(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return true
}

// stoppedExecutor rejects everything, like a pool after shutdown.
type stoppedExecutor struct{}

func (stoppedExecutor) Submit(func()) bool { return false }

func (e *deferredExecutor) runAll() {
	e.mu.Lock()
	tasks := e.tasks
	e.tasks = nil
	e.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

func testHash(i int) pagehash.Hash {
	return pagehash.Hash(fmt.Sprintf("%032x", i))
}

func TestSubmitOrJoin(t *testing.T) {
	t.Run("first caller admits the job", func(t *testing.T) {
		ex := &deferredExecutor{}
		c := New(ex)

		job, admitted := c.SubmitOrJoin(testHash(1), "p1.jpg", "/tmp/p1", func(*Job) {})
		require.NotNil(t, job)
		assert.True(t, admitted)
		assert.True(t, c.Contains(testHash(1)))
		assert.Len(t, ex.tasks, 1)
	})

	t.Run("second caller joins without scheduling", func(t *testing.T) {
		ex := &deferredExecutor{}
		c := New(ex)

		first, admitted := c.SubmitOrJoin(testHash(1), "a.jpg", "/tmp/a", func(*Job) {})
		require.True(t, admitted)

		second, admitted := c.SubmitOrJoin(testHash(1), "b.jpg", "/tmp/b", func(*Job) {})
		assert.False(t, admitted)
		assert.Same(t, first, second)
		assert.Len(t, ex.tasks, 1, "joining must not submit a second task")
	})

	t.Run("distinct hashes run independently", func(t *testing.T) {
		ex := &deferredExecutor{}
		c := New(ex)

		_, admitted := c.SubmitOrJoin(testHash(1), "a.jpg", "/tmp/a", func(*Job) {})
		require.True(t, admitted)
		_, admitted = c.SubmitOrJoin(testHash(2), "b.jpg", "/tmp/b", func(*Job) {})
		require.True(t, admitted)

		assert.Equal(t, 2, c.Len())
		assert.ElementsMatch(t, []pagehash.Hash{testHash(1), testHash(2)}, c.Snapshot())
	})

	t.Run("rejected submission resolves the job and frees the hash", func(t *testing.T) {
		c := New(stoppedExecutor{})

		ran := false
		job, admitted := c.SubmitOrJoin(testHash(1), "p.jpg", "/tmp/p", func(*Job) { ran = true })
		require.True(t, admitted)
		assert.False(t, ran, "rejected work must not run")
		assert.False(t, c.Contains(testHash(1)), "rejected hash must not stay registered")

		outcome, err := job.Wait(context.Background())
		require.NoError(t, err, "waiters must not block on a job that will never run")
		assert.ErrorIs(t, outcome.Err, ErrExecutorStopped)
	})

	t.Run("concurrent submitters admit exactly one job", func(t *testing.T) {
		ex := &deferredExecutor{}
		c := New(ex)

		var admissions atomic.Int32
		var runs atomic.Int32
		var wg sync.WaitGroup
		jobs := make([]*Job, 20)

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job, admitted := c.SubmitOrJoin(testHash(7), "page.jpg", "/tmp/page", func(j *Job) {
					runs.Add(1)
					j.Resolve(json.RawMessage(`{}`), nil)
				})
				if admitted {
					admissions.Add(1)
				}
				jobs[i] = job
			}(i)
		}
		wg.Wait()
		ex.runAll()

		assert.EqualValues(t, 1, admissions.Load())
		assert.EqualValues(t, 1, runs.Load())
		for _, job := range jobs[1:] {
			assert.Same(t, jobs[0], job, "all callers must share one job")
		}
	})
}

func TestJobResolution(t *testing.T) {
	t.Run("waiters see the outcome", func(t *testing.T) {
		c := New(syncExecutor{})

		result := json.RawMessage(`{"blocks":[]}`)
		job, _ := c.SubmitOrJoin(testHash(1), "p.jpg", "/tmp/p", func(j *Job) {
			c.Drop(j.Hash)
			j.Resolve(result, nil)
		})

		outcome, err := job.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, result, outcome.Result)
		assert.NoError(t, outcome.Err)
		assert.Equal(t, testHash(1), outcome.Hash)
	})

	t.Run("failure propagates to all waiters", func(t *testing.T) {
		ex := &deferredExecutor{}
		c := New(ex)
		boom := errors.New("model exploded")

		job, _ := c.SubmitOrJoin(testHash(1), "p.jpg", "/tmp/p", func(j *Job) {
			c.Drop(j.Hash)
			j.Resolve(nil, boom)
		})
		joined, admitted := c.SubmitOrJoin(testHash(1), "q.jpg", "/tmp/q", func(*Job) {})
		require.False(t, admitted)
		ex.runAll()

		for _, j := range []*Job{job, joined} {
			outcome, err := j.Wait(context.Background())
			require.NoError(t, err)
			assert.ErrorIs(t, outcome.Err, boom)
		}
	})

	t.Run("resolve is idempotent", func(t *testing.T) {
		job := &Job{Hash: testHash(1), done: make(chan struct{})}
		job.Resolve(json.RawMessage(`1`), nil)
		job.Resolve(json.RawMessage(`2`), errors.New("late"))

		outcome, err := job.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`1`), outcome.Result)
		assert.NoError(t, outcome.Err)
	})

	t.Run("wait honours context cancellation", func(t *testing.T) {
		job := &Job{Hash: testHash(1), done: make(chan struct{})}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := job.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDrop(t *testing.T) {
	t.Run("hash is free again after drop", func(t *testing.T) {
		ex := &deferredExecutor{}
		c := New(ex)

		_, admitted := c.SubmitOrJoin(testHash(1), "a.jpg", "/tmp/a", func(*Job) {})
		require.True(t, admitted)

		c.Drop(testHash(1))
		assert.False(t, c.Contains(testHash(1)))

		_, admitted = c.SubmitOrJoin(testHash(1), "b.jpg", "/tmp/b", func(*Job) {})
		assert.True(t, admitted, "a dropped hash admits a fresh job")
	})

	t.Run("drop of unknown hash is a no-op", func(t *testing.T) {
		c := New(syncExecutor{})
		c.Drop(testHash(9))
		assert.Zero(t, c.Len())
	})
}
