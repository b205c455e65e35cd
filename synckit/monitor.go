package synckit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Poll strategies for the connection monitor.
const (
	PollConstant    = "constant"
	PollExponential = "exponential"
)

// DefaultPollInterval is the liveness poll cadence.
const DefaultPollInterval = 5 * time.Second

// MonitorOptions configures the connection monitor's schedule.
type MonitorOptions struct {
	// Interval between polls while connected, and the base interval while
	// disconnected.
	Interval time.Duration
	// Strategy is PollConstant or PollExponential. Exponential only stretches
	// the interval while the channel stays disconnected.
	Strategy string
	// MaxInterval caps the exponential schedule.
	MaxInterval time.Duration
}

func (o MonitorOptions) withDefaults() MonitorOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.Strategy == "" {
		o.Strategy = PollConstant
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 12 * o.Interval
	}
	return o
}

func (o MonitorOptions) newBackOff() backoff.BackOff {
	if o.Strategy != PollExponential {
		return backoff.NewConstantBackOff(o.Interval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.Interval
	b.MaxInterval = o.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Monitor polls a PushChannel's liveness and calls onReconnect on every
// false to true transition. The initial state is disconnected, so the first
// successful poll also triggers a sweep.
type Monitor struct {
	channel     PushChannel
	opts        MonitorOptions
	onReconnect func(context.Context)
	onChange    func(bool)
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.RWMutex
	connected  bool
	lastChange time.Time
	stop       chan struct{}
	done       chan struct{}
}

// NewMonitor builds a monitor. onReconnect and onChange may be nil.
func NewMonitor(channel PushChannel, opts MonitorOptions, onReconnect func(context.Context), onChange func(bool), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		channel:     channel,
		opts:        opts.withDefaults(),
		onReconnect: onReconnect,
		onChange:    onChange,
		logger:      logger.With("component", "monitor"),
		now:         time.Now,
	}
}

// Connected returns the last observed liveness.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// LastChange returns when liveness last flipped. Zero until the first change.
func (m *Monitor) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// Poll samples the channel once and fires callbacks on a transition.
func (m *Monitor) Poll(ctx context.Context) bool {
	connected := m.channel.IsConnected()

	m.mu.Lock()
	prev := m.connected
	if prev != connected {
		m.connected = connected
		m.lastChange = m.now()
	}
	m.mu.Unlock()

	if prev == connected {
		return connected
	}
	m.logger.Info("push channel liveness changed", "connected", connected)
	if m.onChange != nil {
		m.onChange(connected)
	}
	if connected && m.onReconnect != nil {
		m.onReconnect(ctx)
	}
	return connected
}

// Start launches the poll loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go m.run(ctx, stop, done)
}

// Stop ends the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Monitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	schedule := m.opts.newBackOff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		}

		var wait time.Duration
		if m.Poll(ctx) {
			schedule.Reset()
			wait = m.opts.Interval
		} else {
			wait = schedule.NextBackOff()
			if wait == backoff.Stop {
				wait = m.opts.MaxInterval
			}
		}
		timer.Reset(wait)
	}
}
