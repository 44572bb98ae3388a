package config

import "time"

type Config struct {
	Service     *ServiceConfig
	Redis       *RedisConfig
	Postgres    *PostgresConfig
	Realtime    *RealtimeConfig
	Tracer      *TracerConfig
	Logger      *LoggerConfig
	SecretToken string
}

type ServiceConfig struct {
	Name string
	Env  string
	Addr string
}

type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PingTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// RealtimeConfig holds every timing knob of the signal services.
type RealtimeConfig struct {
	// Typing auto-stop window; renewed on every startTyping.
	TypingTimeout time.Duration
	// Quiet period collapsing bursts of read marks into one broadcast.
	ReadDebounce time.Duration
	// Bulk read marking: chunk size and inter-chunk pause.
	BatchSize  int
	BatchDelay time.Duration
	// Presence heartbeat cadence and downgrade thresholds.
	HeartbeatInterval time.Duration
	AwayThreshold     time.Duration
	OfflineThreshold  time.Duration
	// Background maintenance cadence.
	SweepInterval  time.Duration
	StatsRefresh   time.Duration
	ResyncInterval time.Duration
	// Connection health probing.
	HealthInterval time.Duration
}

type TracerConfig struct {
	Address string
}

type LoggerConfig struct {
	Level  string
	Format string
}
