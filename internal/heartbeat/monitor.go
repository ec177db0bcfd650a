package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/classpulse/relay/pkg/state"
	"github.com/google/uuid"
)

// ErrTimeout is the close reason given to connections pruned by the monitor.
var ErrTimeout = errors.New("heartbeat timeout")

// Monitor periodically pings every registered connection and evicts the ones
// that stopped answering. It is the only source of proactive liveness
// detection: abrupt network loss is invisible until the next sweep, bounding
// staleness to one interval.
type Monitor struct {
	logger   *slog.Logger
	reg      state.Registry
	interval time.Duration

	// onEvict closes the dead connection's transport; the transport's own
	// close handler then drives deregistration and offline cleanup, the same
	// path as a clean disconnect.
	onEvict func(conn *state.Connection)

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(logger *slog.Logger, reg state.Registry, interval time.Duration, onEvict func(conn *state.Connection)) *Monitor {
	return &Monitor{
		logger:   logger.With(slog.String("component", "heartbeat")),
		reg:      reg,
		interval: interval,
		onEvict:  onEvict,
		now:      time.Now,
	}
}

// Start launches the sweep loop. Sweeps never overlap: each completes before
// the ticker delivers the next tick.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.logger.Info("Heartbeat monitor started", slog.Duration("interval", m.interval))
		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Heartbeat monitor stopped")
}

// Sweep performs one tick: evict every connection whose last pong is older
// than one full interval, then ping the survivors. Pings run off the sweep
// goroutine; a pong recorded by the registry feeds the next sweep's decision.
func (m *Monitor) Sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.interval)

	dead := make(map[uuid.UUID]bool)
	for _, conn := range m.reg.StaleConnections(cutoff) {
		dead[conn.ID] = true
		m.logger.Warn("Evicting dead connection", slog.String("connID", conn.ID.String()))
		m.onEvict(conn)
	}

	for _, conn := range m.reg.AllConnections() {
		if dead[conn.ID] {
			continue
		}

		go func(conn *state.Connection) {
			pingCtx, cancel := context.WithTimeout(ctx, m.interval/2)
			defer cancel()
			if err := conn.Transport.Ping(pingCtx); err != nil {
				m.logger.Debug("Ping failed", slog.String("connID", conn.ID.String()), slog.Any("error", err))
				return
			}
			m.reg.RecordPong(conn.ID)
		}(conn)
	}
}
