package filter

import (
	"time"

	"github.com/caffeineduck/lswasm/abi"
	"go.uber.org/zap"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for lifecycle events and guest log lines.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces the wall clock served to guests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.clock = now
		}
	}
}

// WithGuestLogLevel sets the level reported by proxy_get_log_level.
func WithGuestLogLevel(l abi.LogLevel) Option {
	return func(m *Manager) {
		m.guestLogLevel = l
	}
}

// LoadOption configures a single module load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	vmConfig     []byte
	pluginConfig []byte
}

// WithVMConfig sets the buffer the guest reads during proxy_on_vm_start.
func WithVMConfig(b []byte) LoadOption {
	return func(c *loadConfig) {
		c.vmConfig = b
	}
}

// WithPluginConfig sets the buffer the guest reads during
// proxy_validate_configuration and proxy_on_configure.
func WithPluginConfig(b []byte) LoadOption {
	return func(c *loadConfig) {
		c.pluginConfig = b
	}
}
