package channels

import (
	"context"

	"evoagent/internal/logging"
)

// Channel is one chat surface wired to the bus.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	SendMessage(userID, text string) error
}

// Manager coordinates registered channels over a single bus. Channels are
// started in registration order and stopped in reverse.
type Manager struct {
	bus      *Bus
	channels []Channel
	logger   logging.Logger
}

// NewManager builds a manager over the bus.
func NewManager(bus *Bus, logger logging.Logger) *Manager {
	return &Manager{bus: bus, logger: logging.OrNop(logger)}
}

// Bus returns the shared bus.
func (m *Manager) Bus() *Bus { return m.bus }

// Register adds a channel. Call before StartAll.
func (m *Manager) Register(ch Channel) {
	m.channels = append(m.channels, ch)
	m.logger.Debug("channels: registered %s", ch.Name())
}

// StartAll starts every channel; a failing channel is logged and skipped
// so the rest still come up.
func (m *Manager) StartAll(ctx context.Context) {
	for _, ch := range m.channels {
		m.logger.Info("channels: starting %s", ch.Name())
		if err := ch.Start(ctx); err != nil {
			m.logger.Error("channels: start %s: %v", ch.Name(), err)
		}
	}
}

// StopAll stops channels in reverse registration order, continuing past
// failures.
func (m *Manager) StopAll() {
	for i := len(m.channels) - 1; i >= 0; i-- {
		ch := m.channels[i]
		m.logger.Info("channels: stopping %s", ch.Name())
		if err := ch.Stop(); err != nil {
			m.logger.Error("channels: stop %s: %v", ch.Name(), err)
		}
	}
}

// Get returns the first channel with the given name.
func (m *Manager) Get(name string) (Channel, bool) {
	for _, ch := range m.channels {
		if ch.Name() == name {
			return ch, true
		}
	}
	return nil, false
}

// Channels returns a snapshot of the registered channels.
func (m *Manager) Channels() []Channel {
	out := make([]Channel, len(m.channels))
	copy(out, m.channels)
	return out
}
