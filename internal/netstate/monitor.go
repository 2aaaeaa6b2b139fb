// Package netstate carries the connectivity signal. Platform code (or the
// gRPC channel watcher) calls Monitor.Set; sessions learn about changes
// through "net." events on the bus.
package netstate

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// Monitor holds the last known connectivity state.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	bus    *bus.Bus
	logger *zap.Logger
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(b *bus.Bus, online bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{online: online, bus: b, logger: logger}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a connectivity change and publishes it when the state flips.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}

	if online {
		m.logger.Info("connectivity regained")
		m.bus.Emit(bus.KindNetOnline, nil)
	} else {
		m.logger.Warn("connectivity lost")
		m.bus.Emit(bus.KindNetOffline, nil)
	}
}

// StateSource is the part of a grpc.ClientConn the watcher needs.
type StateSource interface {
	GetState() connectivity.State
	WaitForStateChange(ctx context.Context, sourceState connectivity.State) bool
	Connect()
}

// Watch follows a gRPC channel's state until ctx is done: READY counts as
// online, TRANSIENT_FAILURE and SHUTDOWN as offline. IDLE channels are
// kicked so the state keeps moving.
func (m *Monitor) Watch(ctx context.Context, conn StateSource) {
	state := conn.GetState()
	for {
		switch state {
		case connectivity.Ready:
			m.Set(true)
		case connectivity.TransientFailure, connectivity.Shutdown:
			m.Set(false)
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return
		}
		state = conn.GetState()
	}
}
