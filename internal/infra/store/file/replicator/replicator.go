package replicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type Source interface {
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
}

type Sink interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, error)
}

type ReplicateJob struct {
	Filename string
	Size     int64
	Retries  int
}

// Replicator copies finished downloads from local disk to the archive in the
// background. Failed jobs are requeued until maxRetries is reached.
type Replicator struct {
	local  Source
	remote Sink

	queue      chan ReplicateJob
	workerNum  int
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewReplicator(local Source, remote Sink, queueSize, workerNum, maxRetries int) *Replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Replicator{
		local:      local,
		remote:     remote,
		queue:      make(chan ReplicateJob, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed || r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(r.workerNum)
	for i := 0; i < r.workerNum; i++ {
		go r.worker()
	}
}

// Stop closes the queue and waits for the workers. Jobs still queued are
// finished unless ctx expires first.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	case <-doneCh:
	}

	r.cancel()
	slog.Info("replicator: stopped")
	return nil
}

func (r *Replicator) Enqueue(job ReplicateJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Replicator) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.handleJob(r.ctx, job)
		}
	}
}

func (r *Replicator) handleJob(ctx context.Context, job ReplicateJob) {
	l := slog.With(
		slog.String("filename", job.Filename),
		slog.Int("retries", job.Retries),
	)

	err := r.replicateOnce(ctx, job)
	if err == nil {
		return
	}

	if job.Retries >= r.maxRetries {
		l.Error("replication failed, max retries exceeded", slog.String("error", err.Error()))
		return
	}

	job.Retries++
	if r.requeue(job) {
		l.Warn("replication failed, job requeued",
			slog.String("error", err.Error()),
			slog.Int("next_retry", job.Retries),
		)
		return
	}
	l.Error("replication failed and queue is unavailable, dropping job", slog.String("error", err.Error()))
}

func (r *Replicator) requeue(job ReplicateJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}
	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Replicator) replicateOnce(ctx context.Context, job ReplicateJob) error {
	rc, size, err := r.local.Open(ctx, job.Filename)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer rc.Close()

	if job.Size > 0 {
		size = job.Size
	}

	written, err := r.remote.Save(ctx, rc, job.Filename, size)
	if err != nil {
		return fmt.Errorf("save to remote: %w", err)
	}

	if size > 0 && written != size {
		return fmt.Errorf("remote size mismatch: local=%d remote=%d", size, written)
	}

	slog.Debug("replicator: file replicated",
		slog.String("filename", job.Filename),
		slog.Int64("size", written),
	)
	return nil
}
