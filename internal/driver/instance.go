package driver

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Default timing for driver instances.
const (
	defaultPollInterval         = time.Second
	defaultRetryInterval        = 5 * time.Second
	defaultMaxRetryInterval     = 2 * time.Minute
	defaultConfigRetryInterval  = 5 * time.Second
	defaultConnectRetryInterval = 3 * time.Second
	defaultCommandTimeout       = 5 * time.Second
	defaultStopTimeout          = 10 * time.Second

	// backoffFactor grows the resource retry interval after each failure.
	backoffFactor = 1.5
)

// Options tunes the timing of an instance. Zero values use the defaults.
type Options struct {
	PollInterval         time.Duration
	RetryInterval        time.Duration
	MaxRetryInterval     time.Duration
	ConfigRetryInterval  time.Duration
	ConnectRetryInterval time.Duration
	CommandTimeout       time.Duration
	StopTimeout          time.Duration
	QueueDepth           int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.MaxRetryInterval < o.RetryInterval {
		o.MaxRetryInterval = max(defaultMaxRetryInterval, o.RetryInterval)
	}
	if o.ConfigRetryInterval <= 0 {
		o.ConfigRetryInterval = defaultConfigRetryInterval
	}
	if o.ConnectRetryInterval <= 0 {
		o.ConnectRetryInterval = defaultConnectRetryInterval
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueueDepth
	}
	return o
}

// StateListener is told about every state transition.
type StateListener func(moniker string, from, to State)

// Stats holds instance counters.
type Stats struct {
	State             State  `json:"state"`
	CommandsProcessed uint64 `json:"commands_processed"`
	CommandsFailed    uint64 `json:"commands_failed"`
	Polls             uint64 `json:"polls"`
	ConnectionsLost   uint64 `json:"connections_lost"`
	QueueDepth        int    `json:"queue_depth"`
}

// Instance is one loaded driver and the goroutine that runs it.
//
// The goroutine owns the driver and its transport: it runs the connection
// state machine and executes queued commands between hook calls. Other
// goroutines interact only through Submit and the read-only accessors.
type Instance struct {
	spec     Spec
	driverID uint32
	drv      Driver
	fields   *field.Registry
	env      *Env
	queue    *Queue
	opts     Options
	logger   Logger
	listener StateListener

	state     atomic.Int32
	verbosity atomic.Int32
	pollEvery atomic.Int64

	commandsProcessed atomic.Uint64
	commandsFailed    atomic.Uint64
	polls             atomic.Uint64
	connectionsLost   atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	// Owned by the instance goroutine.
	held      bool
	restart   bool
	retry     time.Duration
	failCount int
}

// NewInstance wraps drv. The instance does nothing until Start.
func NewInstance(spec Spec, driverID uint32, drv Driver, opts Options, logger Logger) *Instance {
	opts = opts.withDefaults()
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	in := &Instance{
		spec:     spec,
		driverID: driverID,
		drv:      drv,
		fields:   field.NewRegistry(),
		queue:    NewQueue(opts.QueueDepth),
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	in.pollEvery.Store(int64(opts.PollInterval))
	in.env = &Env{
		Moniker:   spec.Moniker,
		Fields:    in.fields,
		Logger:    logger,
		verbosity: &in.verbosity,
		pollEvery: &in.pollEvery,
	}
	return in
}

// SetStateListener registers a callback for state transitions.
// Must be called before Start.
func (in *Instance) SetStateListener(l StateListener) {
	in.listener = l
}

// Moniker returns the device identifier.
func (in *Instance) Moniker() string { return in.spec.Moniker }

// Spec returns the spec the instance was loaded from.
func (in *Instance) Spec() Spec { return in.spec }

// DriverID returns the driver id assigned at load.
func (in *Instance) DriverID() uint32 { return in.driverID }

// State returns the current connection state.
func (in *Instance) State() State { return State(in.state.Load()) }

// Fields returns the instance's registry for lock-protected reads.
func (in *Instance) Fields() *field.Registry { return in.fields }

// Verbosity returns the current verbosity.
func (in *Instance) Verbosity() Verbosity { return Verbosity(in.verbosity.Load()) }

// SetVerbosity changes how much the driver logs.
func (in *Instance) SetVerbosity(v Verbosity) {
	in.verbosity.Store(int32(v))
	in.logger.Info("verbosity changed", "verbosity", v.String())
}

// Stats returns a snapshot of the instance counters.
func (in *Instance) Stats() Stats {
	return Stats{
		State:             in.State(),
		CommandsProcessed: in.commandsProcessed.Load(),
		CommandsFailed:    in.commandsFailed.Load(),
		Polls:             in.polls.Load(),
		ConnectionsLost:   in.connectionsLost.Load(),
		QueueDepth:        in.queue.Len(),
	}
}

// Done is closed when the instance goroutine has exited.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Start launches the instance goroutine and waits for the driver's Init.
// An Init failure stops the instance and is returned wrapped in ErrInitFailed.
func (in *Instance) Start() error {
	if !in.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	initErr := make(chan error, 1)
	go in.run(initErr)
	if err := <-initErr; err != nil {
		<-in.done
		return fmt.Errorf("%w: %s: %w", ErrInitFailed, in.spec.Moniker, err)
	}
	return nil
}

// Stop signals the goroutine to exit and waits up to the stop timeout.
// The goroutine releases the transport on its way out. Pending commands
// fail with ErrStopped.
func (in *Instance) Stop() error {
	in.stopOnce.Do(func() {
		in.cancel()
		for _, c := range in.queue.Close() {
			c.complete(Result{Err: ErrStopped})
		}
	})
	if !in.started.Load() {
		return nil
	}
	select {
	case <-in.done:
		return nil
	case <-time.After(in.opts.StopTimeout):
		in.logger.Error("driver did not stop in time", "timeout", in.opts.StopTimeout.String())
		return fmt.Errorf("%w: %s", ErrStopTimeout, in.spec.Moniker)
	}
}

// Submit queues cmd. With Blocking it waits for the result, the timeout
// (the instance default when timeout <= 0) or ctx, whichever comes first.
// A timed-out command stays queued and its eventual result is dropped.
func (in *Instance) Submit(ctx context.Context, cmd *Command, wait WaitPolicy, timeout time.Duration) (Result, error) {
	cmd.wait = wait
	if err := in.queue.Push(cmd); err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", cmd.Kind, in.spec.Moniker, err)
	}
	if wait == FireAndForget {
		return Result{}, nil
	}
	if timeout <= 0 {
		timeout = in.opts.CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-cmd.reply:
		return res, res.Err
	case <-timer.C:
		cmd.abandon()
		return Result{}, fmt.Errorf("%w: %s %s on %s after %s", ErrTimeout, cmd.Kind, cmd.target(), in.spec.Moniker, timeout)
	case <-ctx.Done():
		cmd.abandon()
		return Result{}, ctx.Err()
	}
}

// Serials returns current serials directly from the registry, for cheap
// change checks that must not wait behind the command queue.
func (in *Instance) Serials(listID uint32, ids []field.ID) ([]uint32, error) {
	return in.fields.Serials(listID, ids)
}

func (in *Instance) run(initErr chan<- error) {
	defer close(in.done)
	defer in.shutdown()

	if err := in.safe("init", func() error { return in.drv.Init(in.env) }); err != nil {
		initErr <- err
		return
	}
	initErr <- nil
	in.logger.Info("driver loaded", "type", in.spec.Type, "fields", in.fields.Len(), "driver_id", in.driverID)
	in.setState(StateWaitCommResource)

	for in.ctx.Err() == nil {
		in.drain()
		if in.ctx.Err() != nil {
			return
		}
		if !in.sleep(in.step()) {
			return
		}
	}
}

// step runs one hook for the current state and returns how long to wait
// before the next one.
func (in *Instance) step() time.Duration {
	if in.restart {
		in.restart = false
		if in.State() != StateWaitCommResource || in.held {
			in.drop(StateLostConnection)
			in.retry = 0
			return 0
		}
	}

	switch in.State() {
	case StateWaitCommResource:
		err := in.safe("acquire resource", func() error { return in.drv.AcquireResource(in.ctx) })
		if err != nil {
			in.failCount++
			wait := in.nextRetry()
			in.logger.Warn("comm resource unavailable", "error", err, "attempt", in.failCount, "retry_in", wait.String())
			return wait
		}
		in.held = true
		in.failCount = 0
		in.retry = 0
		in.setState(StateWaitConfig)
		return 0

	case StateWaitConfig:
		var ready bool
		err := in.safe("wait config", func() error {
			var err error
			ready, err = in.drv.WaitConfig(in.ctx)
			return err
		})
		if err != nil {
			in.logger.Warn("waiting for config", "error", err)
		}
		if err != nil || !ready {
			return in.opts.ConfigRetryInterval
		}
		in.setState(StateConnecting)
		return 0

	case StateConnecting:
		res := ConnectRetry
		err := in.safe("connect", func() error {
			var err error
			res, err = in.drv.Connect(in.ctx)
			return err
		})
		if err != nil && res == ConnectSuccess {
			res = ConnectRetry
		}
		switch res {
		case ConnectSuccess:
			in.setState(StateConnected)
			return 0
		case ConnectFatal:
			in.logger.Error("connect failed", "error", err)
			in.drop(StateLostCommResource)
			return in.nextRetry()
		default:
			if err != nil {
				in.logger.Warn("connect not ready", "error", err)
			} else if in.env.Verbose(VerbosityMedium) {
				in.logger.Debug("connect in progress")
			}
			return in.opts.ConnectRetryInterval
		}

	case StateConnected:
		res := PollLostCommResource
		err := in.safe("poll", func() error {
			var err error
			res, err = in.drv.Poll(in.ctx)
			return err
		})
		in.polls.Add(1)
		if err != nil && res == PollOK {
			res = PollLostConnection
		}
		switch res {
		case PollOK:
			return time.Duration(in.pollEvery.Load())
		case PollLostCommResource:
			in.logger.Warn("comm resource lost", "error", err)
			in.drop(StateLostCommResource)
		default:
			in.logger.Warn("connection lost", "error", err)
			in.drop(StateLostConnection)
		}
		in.connectionsLost.Add(1)
		return in.nextRetry()

	default:
		// Lost states are transitional; drop() always continues to WaitCommResource.
		in.setState(StateWaitCommResource)
		return 0
	}
}

// drop reports the loss state, invalidates all values, releases the
// transport and starts over.
func (in *Instance) drop(lost State) {
	in.setState(lost)
	in.fields.InvalidateAll()
	in.release()
	in.setState(StateWaitCommResource)
}

func (in *Instance) release() {
	if !in.held {
		return
	}
	in.held = false
	if err := in.safe("release resource", func() error {
		in.drv.ReleaseResource()
		return nil
	}); err != nil {
		in.logger.Error("release failed", "error", err)
	}
}

func (in *Instance) nextRetry() time.Duration {
	if in.retry == 0 {
		in.retry = in.opts.RetryInterval
		return in.retry
	}
	in.retry = min(time.Duration(float64(in.retry)*backoffFactor), in.opts.MaxRetryInterval)
	return in.retry
}

// sleep waits d while executing commands as they arrive.
// It returns false when the instance is stopping.
func (in *Instance) sleep(d time.Duration) bool {
	if d <= 0 {
		return in.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-in.ctx.Done():
			return false
		case <-in.queue.Wake():
			in.drain()
			if in.restart {
				return true
			}
		case <-timer.C:
			return true
		}
	}
}

func (in *Instance) drain() {
	for _, cmd := range in.queue.Drain() {
		in.execute(cmd)
	}
}

func (in *Instance) shutdown() {
	for _, c := range in.queue.Close() {
		c.complete(Result{Err: ErrStopped})
	}
	if in.State() != StateNotLoaded {
		in.fields.InvalidateAll()
		in.release()
		in.setState(StateNotLoaded)
		in.logger.Info("driver unloaded")
	}
}

func (in *Instance) setState(s State) {
	from := State(in.state.Swap(int32(s)))
	if from == s {
		return
	}
	in.logger.Info("state changed", "from", from.String(), "to", s.String())
	if in.listener != nil {
		in.listener(in.spec.Moniker, from, s)
	}
}

// safe runs fn and converts a panic into an error so that a faulty hook
// never terminates the instance goroutine.
func (in *Instance) safe(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("driver hook panicked", "op", op, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	return fn()
}
