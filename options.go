package ledger

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Config holds the session configuration.
type Config struct {
	// Logger receives session events (optional)
	Logger log.FieldLogger

	// AddressTimeout bounds address derivation and other short queries
	AddressTimeout time.Duration

	// SignTimeout bounds signing, which waits for manual confirmation
	SignTimeout time.Duration

	// ConnectTimeout bounds connection and characteristic discovery
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// MailboxSize is the capacity of the session event queue
	MailboxSize int
}

func defaultConfig() Config {
	return Config{
		Logger:         log.StandardLogger(),
		AddressTimeout: 30 * time.Second,
		SignTimeout:    3 * time.Minute,
		ConnectTimeout: 15 * time.Second,
		WriteTimeout:   5 * time.Second,
		MailboxSize:    64,
	}
}

// Option is a functional option for configuring a session.
type Option func(*Config)

func WithLogger(l log.FieldLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithAddressTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AddressTimeout = d
	}
}

// WithSignTimeout sets how long a signing request may wait, including the
// time the user spends reviewing the operation on the device.
func WithSignTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.SignTimeout = d
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

func WithMailboxSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MailboxSize = n
		}
	}
}

func (c Config) timeoutFor(kind RequestKind) time.Duration {
	if kind == KindSignPayload {
		return c.SignTimeout
	}
	return c.AddressTimeout
}
