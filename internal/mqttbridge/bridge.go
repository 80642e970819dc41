package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
	"github.com/nerrad567/gray-logic-driverhost/internal/host"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-driverhost/internal/poll"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultCommandTimeout = 5 * time.Second
	maxConcurrentCommands = 32
)

// MQTTClient is the subset of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Host is the subset of the driver host the bridge uses.
type Host interface {
	WriteField(ctx context.Context, moniker, name string, value any, wait driver.WaitPolicy, timeout time.Duration) (field.Snapshot, error)
	Drivers() []host.Summary
}

// Logger defines the logging interface used by the bridge.
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

// Options configures a Bridge.
type Options struct {
	Version string

	// HealthInterval is how often the host status is republished.
	// Default: 30 seconds.
	HealthInterval time.Duration

	// CommandTimeout bounds blocking writes that carry no timeout.
	// Default: 5 seconds.
	CommandTimeout time.Duration
}

// Stats are the bridge's counters.
type Stats struct {
	StatesPublished  uint64 `json:"states_published"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	PublishErrors    uint64 `json:"publish_errors"`
}

// Bridge connects the driver host to MQTT.
type Bridge struct {
	client MQTTClient
	host   Host
	topics mqtt.Topics
	opts   Options
	logger Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
	stopMu  sync.RWMutex
	stopped atomic.Bool
	once    sync.Once
	started time.Time

	statesPublished  atomic.Uint64
	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	publishErrors    atomic.Uint64
}

// New creates a bridge. Call Start to subscribe and begin health reports.
func New(client MQTTClient, h Host, opts Options) *Bridge {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &Bridge{
		client: client,
		host:   h,
		opts:   opts,
		logger: noopLogger{},
		sem:    make(chan struct{}, maxConcurrentCommands),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.logger = logger
}

// Start subscribes to command topics and starts the health loop.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = time.Now()

	b.publishHealth(HealthStarting, "")
	if err := b.client.Subscribe(b.topics.AllFieldCommands(), 1, b.handleCommand); err != nil {
		b.cancel()
		return fmt.Errorf("subscribing to field commands: %w", err)
	}

	b.wg.Add(1)
	go b.healthLoop()
	b.logger.Info("mqtt bridge started", "commands", b.topics.AllFieldCommands())
	return nil
}

// Stop unsubscribes, waits for in-flight commands and publishes a final
// stopping status. Safe to call more than once.
func (b *Bridge) Stop() {
	b.once.Do(func() {
		b.stopMu.Lock()
		b.stopped.Store(true)
		b.stopMu.Unlock()
		if err := b.client.Unsubscribe(b.topics.AllFieldCommands()); err != nil {
			b.logger.Warn("unsubscribing field commands", "error", err)
		}
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		b.publishHealth(HealthStopping, "")
		b.logger.Info("mqtt bridge stopped")
	})
}

// Stats returns a copy of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		StatesPublished:  b.statesPublished.Load(),
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		PublishErrors:    b.publishErrors.Load(),
	}
}

// PublishChange publishes a field snapshot as a retained state message.
// It matches poll.Engine.OnChange.
func (b *Bridge) PublishChange(s poll.Snapshot) {
	if b.stopped.Load() {
		return
	}
	if b.publish(b.topics.FieldState(s.Moniker, s.Field), NewStateMessage(s), true) {
		b.statesPublished.Add(1)
	}
}

// PublishDriverState publishes a driver's connection state. It matches
// driver.StateListener.
func (b *Bridge) PublishDriverState(moniker string, from, to driver.State) {
	if b.stopped.Load() {
		return
	}
	b.publish(b.topics.DriverStatus(moniker), DriverStatusMessage{
		Moniker:   moniker,
		State:     to.String(),
		Previous:  from.String(),
		Connected: to == driver.StateConnected,
		Timestamp: time.Now().UTC(),
	}, true)
}

// handleCommand is the MQTT handler for command topics. The write runs on
// its own goroutine so a slow driver never stalls the MQTT client.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	b.commandsReceived.Add(1)

	moniker, name, ok := mqtt.ParseFieldCommand(topic)
	if !ok {
		b.commandsFailed.Add(1)
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsFailed.Add(1)
		b.ack(AckMessage{Moniker: moniker, Field: name}, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
		return nil
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()
	if b.stopped.Load() {
		b.commandsFailed.Add(1)
		b.ack(AckMessage{CommandID: cmd.ID, Moniker: moniker, Field: name}, ErrStopped)
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case b.sem <- struct{}{}:
			defer func() { <-b.sem }()
		case <-b.ctx.Done():
			b.commandsFailed.Add(1)
			b.ack(AckMessage{CommandID: cmd.ID, Moniker: moniker, Field: name}, ErrStopped)
			return
		}
		b.execute(moniker, name, cmd)
	}()
	return nil
}

func (b *Bridge) execute(moniker, name string, cmd CommandMessage) {
	ack := AckMessage{CommandID: cmd.ID, Moniker: moniker, Field: name}

	wait, err := driver.ParseWaitPolicy(cmd.Wait)
	if err != nil {
		b.commandsFailed.Add(1)
		b.ack(ack, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
		return
	}
	timeout := b.opts.CommandTimeout
	if cmd.TimeoutMS > 0 {
		timeout = time.Duration(cmd.TimeoutMS) * time.Millisecond
	}

	snap, err := b.host.WriteField(b.ctx, moniker, name, cmd.Value, wait, timeout)
	if err != nil {
		b.commandsFailed.Add(1)
		b.logger.Debug("mqtt write failed", "moniker", moniker, "field", name, "id", cmd.ID, "error", err)
	}
	ack.Serial = snap.Serial
	b.ack(ack, err)
}

// ack publishes the acknowledgement for one command.
func (b *Bridge) ack(ack AckMessage, err error) {
	ack.Timestamp = time.Now().UTC()
	ack.Status = AckAccepted
	if err != nil {
		status, code := classify(err)
		ack.Status = status
		ack.Error = &AckError{Code: code, Message: err.Error()}
	}
	b.publish(b.topics.CommandAck(ack.Moniker), ack, false)
}

func (b *Bridge) healthLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()

	b.publishHealth(b.determineStatus())
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.publishHealth(b.determineStatus())
		}
	}
}

func (b *Bridge) determineStatus() (HealthStatus, string) {
	for _, d := range b.host.Drivers() {
		if d.State != driver.StateConnected {
			return HealthDegraded, d.Moniker + " is " + d.State.String()
		}
	}
	return HealthHealthy, ""
}

func (b *Bridge) publishHealth(status HealthStatus, reason string) {
	drivers := b.host.Drivers()
	connected := 0
	for _, d := range drivers {
		if d.State == driver.StateConnected {
			connected++
		}
	}
	var uptime int64
	if !b.started.IsZero() {
		uptime = int64(time.Since(b.started).Seconds())
	}
	b.publish(b.topics.HostStatus(), HealthMessage{
		Status:           status,
		Version:          b.opts.Version,
		Timestamp:        time.Now().UTC(),
		UptimeSeconds:    uptime,
		Drivers:          len(drivers),
		DriversConnected: connected,
		Reason:           reason,
	}, true)
}

// publish marshals v and publishes it at QoS 1. It reports success.
func (b *Bridge) publish(topic string, v any, retained bool) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		b.publishErrors.Add(1)
		b.logger.Error("encoding mqtt message", "topic", topic, "error", err)
		return false
	}
	if err := b.client.Publish(topic, payload, 1, retained); err != nil {
		b.publishErrors.Add(1)
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}
