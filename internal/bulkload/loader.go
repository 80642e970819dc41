package bulkload

import (
	"context"
	"fmt"
	"time"
)

// Default loader timing.
const (
	defaultFailureBackoff = 30 * time.Second
)

// Logger defines the logging interface used by the Loader.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Summarizer derives the published summary of a finished dataset.
type Summarizer[T any] func(data T) (count int, fingerprint string)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Name identifies the dataset in logs.
	Name string

	// FailureBackoff is the minimum time between a failed load and the next
	// attempt. Default: 30 seconds.
	FailureBackoff time.Duration

	// ReloadInterval makes Due report true this long after each successful
	// load. Zero means load once.
	ReloadInterval time.Duration
}

// Loader owns the build/publish cycle for one dataset.
//
// StartLoad, Check, Due and Stop are called by a single owner goroutine.
// Live may be read from any goroutine.
type Loader[T any] struct {
	build     BuildFunc[T]
	summarize Summarizer[T]
	opts      LoaderOptions
	live      Live[T]
	logger    Logger
	now       func() time.Time

	job         *Job[T]
	lastStatus  Status
	lastErr     error
	lastFailure time.Time
	lastSuccess time.Time
}

// NewLoader creates a loader. summarize may be nil.
func NewLoader[T any](build BuildFunc[T], summarize Summarizer[T], opts LoaderOptions) *Loader[T] {
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = defaultFailureBackoff
	}
	return &Loader[T]{
		build:     build,
		summarize: summarize,
		opts:      opts,
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the loader.
func (l *Loader[T]) SetLogger(logger Logger) {
	l.logger = logger
}

// Live returns the slot holding the published dataset.
func (l *Loader[T]) Live() *Live[T] {
	return &l.live
}

// StartLoad starts a new build unless one is running or the loader is
// backing off after a failure.
func (l *Loader[T]) StartLoad(ctx context.Context) error {
	if l.job != nil {
		return ErrInProgress
	}
	if wait := l.backoffRemaining(); wait > 0 {
		return fmt.Errorf("%w: %s remaining", ErrBackoff, wait.Round(time.Millisecond))
	}
	l.job = Start(ctx, l.build)
	l.lastStatus = StatusLoading
	l.logger.Info("bulk load started", "dataset", l.opts.Name)
	return nil
}

// Check inspects the running job. When it has finished successfully the
// result is swapped into the live slot and swapped is true. A failed job
// starts the failure backoff.
func (l *Loader[T]) Check() (status Status, swapped bool) {
	if l.job == nil {
		return l.lastStatus, false
	}
	select {
	case <-l.job.Done():
	default:
		return StatusLoading, false
	}

	job := l.job
	l.job = nil
	data, err := job.Result()
	if err != nil || job.Status() != StatusReady {
		l.lastStatus = StatusFailed
		l.lastErr = err
		l.lastFailure = l.now()
		l.logger.Warn("bulk load failed", "dataset", l.opts.Name, "error", err,
			"items", job.Progress(), "retry_after", l.opts.FailureBackoff.String())
		return StatusFailed, false
	}

	count, fp := int(job.Progress()), ""
	if l.summarize != nil {
		count, fp = l.summarize(data)
	}
	ds := l.live.Swap(data, count, fp)
	l.lastStatus = StatusReady
	l.lastErr = nil
	l.lastSuccess = l.now()
	l.logger.Info("bulk load complete", "dataset", l.opts.Name, "count", count,
		"fingerprint", fp, "serial", ds.Serial, "took", job.Elapsed().String())
	return StatusReady, true
}

// Status returns the running job's status, or the outcome of the last one.
func (l *Loader[T]) Status() Status {
	if l.job != nil {
		return StatusLoading
	}
	return l.lastStatus
}

// Progress returns the running job's item count, or zero.
func (l *Loader[T]) Progress() int64 {
	if l.job == nil {
		return 0
	}
	return l.job.Progress()
}

// LastError returns the error of the last failed load.
func (l *Loader[T]) LastError() error {
	return l.lastErr
}

// Due reports whether a load should be started now: nothing has been
// published yet, or the reload interval has passed. It is false while a
// load runs or during failure backoff.
func (l *Loader[T]) Due() bool {
	if l.job != nil || l.backoffRemaining() > 0 {
		return false
	}
	if l.live.Load() == nil {
		return true
	}
	return l.opts.ReloadInterval > 0 && l.now().Sub(l.lastSuccess) >= l.opts.ReloadInterval
}

func (l *Loader[T]) backoffRemaining() time.Duration {
	if l.lastFailure.IsZero() {
		return 0
	}
	return l.opts.FailureBackoff - l.now().Sub(l.lastFailure)
}

// Stop cancels a running job and waits up to timeout for it to exit.
func (l *Loader[T]) Stop(timeout time.Duration) error {
	if l.job == nil {
		return nil
	}
	job := l.job
	l.job = nil
	job.Cancel()
	select {
	case <-job.Done():
		l.lastStatus = StatusFailed
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %s", ErrStopTimeout, l.opts.Name)
	}
}
