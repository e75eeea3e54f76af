// Package inflight deduplicates concurrent OCR work by page hash.
//
// Every staged page registers here before being dispatched; if another
// request already owns the hash, the newcomer joins the existing job and
// waits on its completion instead of scheduling a second run. A single
// mutex guards the registration table so the check-and-insert is atomic
// with the executor hand-off.
package inflight

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
)

// Executor is the scheduling dependency: anything that can run a task
// asynchronously, reporting whether the task was accepted. Satisfied by
// ocr.Executor.
type Executor interface {
	Submit(task func()) bool
}

// ErrExecutorStopped resolves jobs whose executor rejected them, so waiters
// are not left blocked on a task that will never run.
var ErrExecutorStopped = errors.New("inflight: executor stopped before the job ran")

// Outcome is the terminal state of a job, visible to every waiter.
type Outcome struct {
	Hash   pagehash.Hash
	Name   string
	Result json.RawMessage
	Err    error
}

// Job is a single scheduled OCR run, shared by the submitter and any
// joiners that arrived while it was in flight.
type Job struct {
	Hash pagehash.Hash
	// Name is the client-supplied filename of the request that created the
	// job. Joiners keep their own names for reporting.
	Name string
	// StagedPath is the temp file the job reads from. Owned by the creating
	// request; joiners must not touch it.
	StagedPath string

	done    chan struct{}
	outcome Outcome
	once    sync.Once
}

// Resolve publishes the job's outcome and wakes all waiters. Only the first
// call takes effect.
func (j *Job) Resolve(result json.RawMessage, err error) {
	j.once.Do(func() {
		j.outcome = Outcome{Hash: j.Hash, Name: j.Name, Result: result, Err: err}
		close(j.done)
	})
}

// Wait blocks until the job resolves or ctx is done.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Done returns a channel closed when the job resolves.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Coalescer maps in-flight page hashes to their jobs.
type Coalescer struct {
	executor Executor

	mu   sync.Mutex
	jobs map[pagehash.Hash]*Job
}

// New creates a Coalescer dispatching admitted jobs through executor.
func New(executor Executor) *Coalescer {
	return &Coalescer{
		executor: executor,
		jobs:     make(map[pagehash.Hash]*Job),
	}
}

// SubmitOrJoin registers a job for hash, or joins the one already running.
//
// The check-and-insert happens under one lock, so at most one caller per
// hash is admitted; only the admitted caller's work is handed to the
// executor. The returned bool reports whether this caller admitted the job.
func (c *Coalescer) SubmitOrJoin(hash pagehash.Hash, name, stagedPath string, work func(*Job)) (*Job, bool) {
	c.mu.Lock()
	if existing, ok := c.jobs[hash]; ok {
		c.mu.Unlock()
		logger.Debug("joined in-flight OCR job", "hash", hash, "name", name)
		return existing, false
	}

	job := &Job{
		Hash:       hash,
		Name:       name,
		StagedPath: stagedPath,
		done:       make(chan struct{}),
	}
	c.jobs[hash] = job
	c.mu.Unlock()

	if !c.executor.Submit(func() { work(job) }) {
		c.Drop(hash)
		job.Resolve(nil, ErrExecutorStopped)
		logger.Warn("executor rejected OCR job", "hash", hash, "name", name)
		return job, true
	}
	logger.Debug("admitted OCR job", "hash", hash, "name", name)
	return job, true
}

// Lookup returns the in-flight job for hash, if any. Holding the returned
// job past its resolution is safe; its outcome stays readable.
func (c *Coalescer) Lookup(hash pagehash.Hash) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[hash]
	return job, ok
}

// Drop removes hash from the in-flight table. The job owner calls this after
// the result is cached and before resolving the job, so a request arriving
// in between reads the cache rather than joining a finished job.
func (c *Coalescer) Drop(hash pagehash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, hash)
}

// Contains reports whether hash currently has an in-flight job.
func (c *Coalescer) Contains(hash pagehash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[hash]
	return ok
}

// Len returns the number of in-flight jobs.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Snapshot returns the in-flight hashes, in no particular order.
func (c *Coalescer) Snapshot() []pagehash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes := make([]pagehash.Hash, 0, len(c.jobs))
	for hash := range c.jobs {
		hashes = append(hashes, hash)
	}
	return hashes
}
