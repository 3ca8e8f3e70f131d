package models

// Config is the top-level application configuration, loaded from a JSON
// file with environment overrides applied on top.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Queue    QueueConfig    `json:"queue"`
	Mail     MailConfig     `json:"mail"`
	Worker   WorkerConfig   `json:"worker"`
	Alerts   AlertConfig    `json:"alerts"`
	Retry    RetryConfig    `json:"retry"`
	LogLevel string         `json:"logLevel"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	AdminAPIKey     string `json:"-"`
	ReadTimeoutSec  int    `json:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type QueueConfig struct {
	// DataDir holds one JSON array file per durable queue.
	DataDir string `json:"dataDir"`
}

type MailConfig struct {
	APIBaseURL      string `json:"apiBaseUrl"`
	APIKey          string `json:"-"`
	From            string `json:"from"`
	ReviewerEmail   string `json:"reviewerEmail"`
	AdminAlertEmail string `json:"adminAlertEmail"`
	TimeoutSec      int    `json:"timeoutSec"`
}

type WorkerConfig struct {
	IntervalSec   int `json:"intervalSec"`
	TickBudgetSec int `json:"tickBudgetSec"`
}

type AlertConfig struct {
	QueueThreshold     int `json:"queueThreshold"`
	CooldownMin        int `json:"cooldownMin"`
	MonitorIntervalSec int `json:"monitorIntervalSec"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// ConfigError reports an invalid or incomplete configuration.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
