package config

import "time"

// Config is the root configuration for a feedmux instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Pool      PoolConfig      `yaml:"pool"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Publisher PublisherConfig `yaml:"publisher"`
	Brokers   []BrokerConfig  `yaml:"brokers" validate:"dive"`
	Ops       OpsConfig       `yaml:"ops"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this feedmux process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// PoolConfig holds connection pool capacity settings.
type PoolConfig struct {
	MaxSymbolsPerConnection int `yaml:"max_symbols_per_connection" validate:"min=1"`
	MaxConnections          int `yaml:"max_connections" validate:"min=1"`
}

// AdapterConfig holds per-connection lifecycle settings shared by all brokers.
type AdapterConfig struct {
	MaxConnectAttempts int           `yaml:"max_connect_attempts" validate:"min=1"` // Attempts before a connect is reported as permanent failure
	BackoffMin         time.Duration `yaml:"backoff_min"`                           // First reconnect delay
	BackoffMax         time.Duration `yaml:"backoff_max"`                           // Reconnect delay ceiling
	PingInterval       time.Duration `yaml:"ping_interval"`                         // Heartbeat send interval
	StaleAfter         time.Duration `yaml:"stale_after"`                           // Silence window before a connection is declared stale
	MessageBuffer      int           `yaml:"message_buffer" validate:"min=1"`       // Inbound frame channel capacity
}

// PublisherConfig holds the shared publisher's bind settings.
type PublisherConfig struct {
	BindHost      string `yaml:"bind_host"`
	BindPort      int    `yaml:"bind_port" validate:"min=1,max=65535"` // Preferred port; scanning starts here on conflict
	PortScanLimit int    `yaml:"port_scan_limit" validate:"min=1"`     // Ports probed beyond bind_port before giving up
	QueueSize     int    `yaml:"queue_size" validate:"min=1"`          // Per-subscriber frame queue capacity
}

// BrokerConfig configures one broker account. Credentials values pass through
// ${VAR} expansion, so files carry references like ${FLATTRADE_TOKEN}.
type BrokerConfig struct {
	Name          string            `yaml:"name" validate:"required"` // Registered dialect name, e.g. "flattrade"
	UserID        string            `yaml:"user_id"`
	Endpoints     []string          `yaml:"endpoints"` // Optional override of the dialect's default endpoints
	Credentials   map[string]string `yaml:"credentials"`
	Instruments   map[string]string `yaml:"instruments"`   // "EXCHANGE:SYMBOL" -> broker token; symbols absent here pass through as-is
	Subscriptions []string          `yaml:"subscriptions"` // "EXCHANGE:SYMBOL:MODE" entries subscribed at startup
}

// OpsConfig holds the operational HTTP listener settings.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}
