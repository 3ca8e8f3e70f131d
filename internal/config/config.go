package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"edunexus/internal/constants"
	"edunexus/internal/models"
	"edunexus/internal/security"
)

var (
	ErrMissingDBPath        = models.ConfigError{Message: "missing database path"}
	ErrMissingDataDir       = models.ConfigError{Message: "missing queue data directory"}
	ErrMissingReviewerEmail = models.ConfigError{Message: "missing reviewer email"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal. Absolute
	// paths are allowed here; operators point at /etc-style locations.
	if err := security.ValidateTrustedFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateTrustedFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	// Overrides land before validation so paths supplied through the
	// environment get the same traversal checks as the config file.
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Queue.DataDir == "" {
		return ErrMissingDataDir
	}
	if c.Mail.ReviewerEmail == "" {
		return ErrMissingReviewerEmail
	}
	if err := security.ValidateTrustedFilePath(c.Database.Path); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	if err := security.ValidateTrustedFilePath(c.Queue.DataDir); err != nil {
		return fmt.Errorf("invalid queue data directory: %w", err)
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = 15
	}

	if c.Mail.From == "" {
		c.Mail.From = "noreply@edunexus.local"
	}
	if c.Mail.AdminAlertEmail == "" {
		c.Mail.AdminAlertEmail = c.Mail.ReviewerEmail
	}
	if c.Mail.TimeoutSec <= 0 {
		c.Mail.TimeoutSec = constants.DefaultMailTimeoutSec
	}

	if c.Worker.IntervalSec <= 0 {
		c.Worker.IntervalSec = constants.DefaultWorkerIntervalSec
	}
	if c.Worker.TickBudgetSec <= 0 {
		c.Worker.TickBudgetSec = constants.DefaultWorkerTickBudgetSec
	}

	if c.Alerts.QueueThreshold <= 0 {
		c.Alerts.QueueThreshold = constants.DefaultQueueAlertThreshold
	}
	if c.Alerts.CooldownMin <= 0 {
		c.Alerts.CooldownMin = constants.DefaultAlertCooldownMin
	}
	if c.Alerts.MonitorIntervalSec <= 0 {
		c.Alerts.MonitorIntervalSec = constants.DefaultMonitorIntervalSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		c.Queue.DataDir = dir
	}
	if url := os.Getenv("MAIL_API_URL"); url != "" {
		c.Mail.APIBaseURL = url
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}

	// SECURITY: secrets are only read from the environment
	if key := os.Getenv("EDUNEXUS_ADMIN_API_KEY"); key != "" {
		c.Server.AdminAPIKey = key
	}
	if key := os.Getenv("EDUNEXUS_MAIL_API_KEY"); key != "" {
		c.Mail.APIKey = key
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("EDUNEXUS_ENV") == "production"

	if isProduction {
		if c.Server.AdminAPIKey == "" {
			return models.ConfigError{Message: "admin API key is required in production (set EDUNEXUS_ADMIN_API_KEY environment variable)"}
		}
		if len(c.Server.AdminAPIKey) < constants.MinAdminKeyLength {
			return models.ConfigError{Message: fmt.Sprintf("admin API key must be at least %d characters long", constants.MinAdminKeyLength)}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		if c.Server.AdminAPIKey == "" {
			fmt.Fprintf(os.Stderr, "WARNING: admin API key not set. Set EDUNEXUS_ADMIN_API_KEY environment variable to protect admin endpoints.\n")
		}
	}

	return nil
}
