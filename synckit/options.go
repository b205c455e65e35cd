package synckit

import (
	"errors"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/facility-sync/synckit/codec"
)

// Option is a functional option for configuring a Manager via NewManager.
type Option func(*Manager) error

// WithCache injects the offline cache. Required.
func WithCache(c OfflineCache) Option {
	return func(m *Manager) error {
		if c == nil {
			return errors.New("cache cannot be nil")
		}
		m.cache = c
		return nil
	}
}

// WithChannel injects the push channel. Required.
func WithChannel(ch PushChannel) Option {
	return func(m *Manager) error {
		if ch == nil {
			return errors.New("channel cannot be nil")
		}
		m.channel = ch
		return nil
	}
}

// WithFetcher sets the source used by reconciliation sweeps to re-read
// remote snapshots.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) error {
		m.fetcher = f
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) error {
		if l == nil {
			return errors.New("logger cannot be nil")
		}
		m.logger = l
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc MetricsCollector) Option {
	return func(m *Manager) error {
		if mc == nil {
			return errors.New("metrics collector cannot be nil")
		}
		m.metrics = mc
		return nil
	}
}

// WithPolicy sets the automatic resolution rules. Config rules are ignored
// when a policy is given explicitly.
func WithPolicy(p *Policy) Option {
	return func(m *Manager) error {
		m.policy = p
		return nil
	}
}

// WithAuditLog records every committed resolution in log.
func WithAuditLog(log AuditLog) Option {
	return func(m *Manager) error {
		if log == nil {
			return errors.New("audit log cannot be nil")
		}
		m.audit = log
		return nil
	}
}

// WithConfig applies a loaded Config.
func WithConfig(cfg Config) Option {
	return func(m *Manager) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		m.cfg = cfg
		return nil
	}
}

// WithRegistry sets the payload codec registry used for typed access and
// manual-resolution validation.
func WithRegistry(r *codec.Registry) Option {
	return func(m *Manager) error {
		if r == nil {
			return errors.New("registry cannot be nil")
		}
		m.registry = r
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		m.now = now
		return nil
	}
}

// WithOriginUser stamps outbound events with the acting user's id.
func WithOriginUser(userID string) Option {
	return func(m *Manager) error {
		m.originUser = userID
		return nil
	}
}
