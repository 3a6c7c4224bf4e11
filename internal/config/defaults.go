package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultMaxSymbolsPerConnection = 1000
	DefaultMaxConnections          = 3
	DefaultMaxConnectAttempts      = 10
	DefaultBackoffMin              = 1 * time.Second
	DefaultBackoffMax              = 30 * time.Second
	DefaultPingInterval            = 20 * time.Second
	DefaultStaleAfter              = 60 * time.Second
	DefaultMessageBuffer           = 1024
	DefaultBindHost                = "127.0.0.1"
	DefaultBindPort                = 5555
	DefaultPortScanLimit           = 32
	DefaultQueueSize               = 4096
	DefaultOpsListenAddr           = ":8781"
	DefaultLogLevel                = "info"
)

func (c *Config) applyDefaults() {
	// Pool defaults
	if c.Pool.MaxSymbolsPerConnection == 0 {
		c.Pool.MaxSymbolsPerConnection = DefaultMaxSymbolsPerConnection
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = DefaultMaxConnections
	}

	// Adapter defaults
	if c.Adapter.MaxConnectAttempts == 0 {
		c.Adapter.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if c.Adapter.BackoffMin == 0 {
		c.Adapter.BackoffMin = DefaultBackoffMin
	}
	if c.Adapter.BackoffMax == 0 {
		c.Adapter.BackoffMax = DefaultBackoffMax
	}
	if c.Adapter.PingInterval == 0 {
		c.Adapter.PingInterval = DefaultPingInterval
	}
	if c.Adapter.StaleAfter == 0 {
		c.Adapter.StaleAfter = DefaultStaleAfter
	}
	if c.Adapter.MessageBuffer == 0 {
		c.Adapter.MessageBuffer = DefaultMessageBuffer
	}

	// Publisher defaults
	if c.Publisher.BindHost == "" {
		c.Publisher.BindHost = DefaultBindHost
	}
	if c.Publisher.BindPort == 0 {
		c.Publisher.BindPort = DefaultBindPort
	}
	if c.Publisher.PortScanLimit == 0 {
		c.Publisher.PortScanLimit = DefaultPortScanLimit
	}
	if c.Publisher.QueueSize == 0 {
		c.Publisher.QueueSize = DefaultQueueSize
	}

	// Ops defaults
	if c.Ops.ListenAddr == "" {
		c.Ops.ListenAddr = DefaultOpsListenAddr
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
