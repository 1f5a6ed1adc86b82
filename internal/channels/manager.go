package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Manager owns the registered channel adapters and their lifecycle.
type Manager struct {
	mu           sync.RWMutex
	channels     map[string]Channel
	drainTimeout time.Duration
}

// NewManager creates an empty channel manager. drainTimeout bounds how long
// StopAll waits for each adapter to finish in-flight work.
func NewManager(drainTimeout time.Duration) *Manager {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &Manager{
		channels:     make(map[string]Channel),
		drainTimeout: drainTimeout,
	}
}

// Register adds a channel adapter to the manager.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Unregister removes a channel adapter.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every registered adapter concurrently. A failed adapter is
// logged and skipped so one misconfigured channel does not take the gateway
// down.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, ch := range m.channels {
		g.Go(func() error {
			slog.Info("starting channel", "channel", name)
			if err := ch.Start(gctx); err != nil {
				slog.Error("failed to start channel", "channel", name, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("all channels started", "count", len(m.channels))
	return nil
}

// StopAll stops every adapter, giving each the drain timeout to flush
// in-flight deliveries.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")

	var g errgroup.Group
	for name, ch := range m.channels {
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(ctx, m.drainTimeout)
			defer cancel()
			if err := ch.Stop(stopCtx); err != nil {
				slog.Error("error stopping channel", "channel", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("all channels stopped")
	return nil
}

// Names returns the names of all registered channels.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Status reports the running state of each registered channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// SendText delivers one text block to a chat on a named channel.
func (m *Manager) SendText(ctx context.Context, channel, chatID, text string) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("channel %s not found", channel)
	}
	return ch.SendText(ctx, chatID, text)
}
