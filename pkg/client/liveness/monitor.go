// Package liveness detects silent channel death. A probe goes out every
// interval; if no inbound traffic of any kind arrives within the ack
// window for enough consecutive probes, the channel is declared dead
// exactly once.
package liveness

import (
	"sync"
	"time"

	"chatsync/pkg/logger"
)

// Defaults for heartbeat timing.
const (
	DefaultInterval  = 30 * time.Second
	DefaultTimeout   = 5 * time.Second
	DefaultMaxMisses = 3
)

// Monitor drives heartbeat probes over one channel instance. It is not
// reusable: once stopped or dead, build a new one.
type Monitor struct {
	interval  time.Duration
	timeout   time.Duration
	maxMisses int

	send   func()
	onDead func()

	inbound  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a monitor. send fires a heartbeat probe; onDead is invoked at
// most once, after which the monitor has already stopped itself.
func New(interval, timeout time.Duration, maxMisses int, send, onDead func()) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxMisses <= 0 {
		maxMisses = DefaultMaxMisses
	}
	return &Monitor{
		interval:  interval,
		timeout:   timeout,
		maxMisses: maxMisses,
		send:      send,
		onDead:    onDead,
		inbound:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop halts the loop. Safe to call multiple times and after death.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Notify records inbound traffic; any envelope counts, not only heartbeat
// echoes.
func (m *Monitor) Notify() {
	select {
	case m.inbound <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-m.stop:
			return
		case <-m.inbound:
			misses = 0
		case <-ticker.C:
			m.send()
			select {
			case <-m.inbound:
				misses = 0
			case <-time.After(m.timeout):
				misses++
				logger.Debug("heartbeat_missed", "misses", misses)
				if misses >= m.maxMisses {
					logger.Warn("channel_presumed_dead", "misses", misses)
					// stop first so a racing Notify cannot revive the
					// loop and signal twice
					m.Stop()
					m.onDead()
					return
				}
			case <-m.stop:
				return
			}
		}
	}
}
