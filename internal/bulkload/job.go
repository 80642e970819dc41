package bulkload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// Status is the life-cycle state of a Job.
type Status int32

const (
	StatusNotStarted Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Progress is a monotonically increasing item counter reported by a build.
type Progress struct {
	n atomic.Int64
}

// Add records n more items.
func (p *Progress) Add(n int) { p.n.Add(int64(n)) }

// Load returns the current count.
func (p *Progress) Load() int64 { return p.n.Load() }

// BuildFunc builds a dataset. It must return promptly once ctx is done.
type BuildFunc[T any] func(ctx context.Context, p *Progress) (T, error)

// Job is one in-flight build.
type Job[T any] struct {
	status   atomic.Int32
	progress Progress
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time

	// Written by the build goroutine before done is closed.
	result   T
	err      error
	finished time.Time
}

// Start launches build on its own goroutine and returns immediately with
// the job in StatusLoading.
func Start[T any](parent context.Context, build BuildFunc[T]) *Job[T] {
	ctx, cancel := context.WithCancel(parent)
	j := &Job[T]{
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	j.status.Store(int32(StatusLoading))
	go j.run(ctx, build)
	return j
}

func (j *Job[T]) run(ctx context.Context, build BuildFunc[T]) {
	defer close(j.done)
	defer j.cancel()

	result, err := j.safeBuild(ctx, build)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	j.finished = time.Now()
	if err != nil {
		j.err = err
		j.status.CompareAndSwap(int32(StatusLoading), int32(StatusFailed))
		return
	}
	j.result = result
	j.status.CompareAndSwap(int32(StatusLoading), int32(StatusReady))
}

func (j *Job[T]) safeBuild(ctx context.Context, build BuildFunc[T]) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build panicked: %v", r)
		}
	}()
	return build(ctx, &j.progress)
}

// Status returns the job status.
func (j *Job[T]) Status() Status { return Status(j.status.Load()) }

// Progress returns the number of items built so far.
func (j *Job[T]) Progress() int64 { return j.progress.Load() }

// Cancel asks the build to stop. The job ends in StatusFailed.
func (j *Job[T]) Cancel() { j.cancel() }

// Done is closed when the build goroutine has exited.
func (j *Job[T]) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done.
func (j *Job[T]) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the built dataset once the job is finished.
func (j *Job[T]) Result() (T, error) {
	select {
	case <-j.done:
		return j.result, j.err
	default:
		var zero T
		return zero, ErrNotReady
	}
}

// Elapsed returns how long the job ran, or has been running.
func (j *Job[T]) Elapsed() time.Duration {
	select {
	case <-j.done:
		return j.finished.Sub(j.started)
	default:
		return time.Since(j.started)
	}
}

// Dataset is a published, immutable dataset with its derived summary.
type Dataset[T any] struct {
	Data        T
	Count       int
	Fingerprint string
	Serial      uint64
	LoadedAt    time.Time
}

// Live is the slot readers load the current dataset from.
type Live[T any] struct {
	p      atomic.Pointer[Dataset[T]]
	serial atomic.Uint64
}

// Load returns the current dataset, or nil before the first swap.
func (l *Live[T]) Load() *Dataset[T] {
	return l.p.Load()
}

// Swap publishes data as a new dataset, replacing the previous one.
func (l *Live[T]) Swap(data T, count int, fingerprint string) *Dataset[T] {
	ds := &Dataset[T]{
		Data:        data,
		Count:       count,
		Fingerprint: fingerprint,
		Serial:      l.serial.Add(1),
		LoadedAt:    time.Now(),
	}
	l.p.Store(ds)
	return ds
}

// Fingerprint hashes parts into a short stable content identifier.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
