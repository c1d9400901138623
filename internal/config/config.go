package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/models"
	"ticketbridge/internal/security"
	"ticketbridge/internal/validation"

	"github.com/joho/godotenv"
)

const envPrefix = "TICKETBRIDGE_"

// LoadConfig reads the JSON config at path, applies environment overrides
// and defaults, then validates the result. A missing file is allowed when
// the environment provides every required value.
func LoadConfig(path string) (*models.Config, error) {
	loadDotEnv()

	var config models.Config
	if path != "" {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
		switch {
		case err == nil:
			if err := json.Unmarshal(file, &config); err != nil {
				return nil, models.ConfigError{Message: fmt.Sprintf("parse %s: %v", path, err)}
			}
		case os.IsNotExist(err):
			// Environment-only deployment.
		default:
			return nil, err
		}
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func loadDotEnv() {
	_ = godotenv.Load(".env")
	if file := os.Getenv(envPrefix + "ENV_FILE"); file != "" {
		_ = godotenv.Load(file)
	}
}

func validate(c *models.Config) error {
	if err := validation.ValidateStruct(c); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if c.Statuses.Closed == c.Statuses.OnHold {
		return models.ConfigError{Message: "closed and on-hold statuses must differ"}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Database.Path == "" {
		c.Database.Path = "ticketbridge.db"
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = constants.DefaultServerPort
	}
	if c.Webhook.RateLimitPerMin == 0 {
		c.Webhook.RateLimitPerMin = constants.DefaultWebhookRateLimitPerMin
	}
	if c.WHMCS.TimeoutSec == 0 {
		c.WHMCS.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.WHMCS.RequestsPerSecond == 0 {
		c.WHMCS.RequestsPerSecond = constants.DefaultWHMCSRequestsPerSecond
	}
	if c.WHMCS.PageSize == 0 {
		c.WHMCS.PageSize = constants.DefaultTicketPageSize
	}
	if c.Discord.RequestsPerSecond == 0 {
		c.Discord.RequestsPerSecond = constants.DefaultDiscordRequestsPerSecond
	}

	if c.Sync.IntervalSec == 0 {
		c.Sync.IntervalSec = constants.DefaultSyncIntervalSec
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = constants.DefaultSyncConcurrency
	}
	if c.Sync.QueueSize == 0 {
		c.Sync.QueueSize = constants.DefaultTicketQueueSize
	}
	if c.Sync.StatusCacheTTLSec == 0 {
		c.Sync.StatusCacheTTLSec = constants.DefaultStatusCacheTTLSec
	}
	if c.Sync.PriorityCacheTTLSec == 0 {
		c.Sync.PriorityCacheTTLSec = constants.DefaultPriorityCacheTTLSec
	}
	if c.Sync.ClientCacheHours == 0 {
		c.Sync.ClientCacheHours = constants.DefaultClientCacheValidHour
	}

	if c.Statuses.Open == "" {
		c.Statuses.Open = "Open"
	}
	if c.Statuses.Answered == "" {
		c.Statuses.Answered = "Answered"
	}
	if c.Statuses.CustomerReply == "" {
		c.Statuses.CustomerReply = "Customer-Reply"
	}
	if c.Statuses.Closed == "" {
		c.Statuses.Closed = constants.DefaultClosedStatus
	}
	if c.Statuses.OnHold == "" {
		c.Statuses.OnHold = constants.DefaultOnHoldStatus
	}

	if c.Attachments.TempDir == "" {
		c.Attachments.TempDir = os.TempDir()
	}
	if c.Attachments.MaxSizeMB == 0 {
		c.Attachments.MaxSizeMB = constants.DefaultAttachmentMaxSizeMB
	}
	if c.Attachments.MaxAttempts == 0 {
		c.Attachments.MaxAttempts = constants.DefaultAttachmentAttempts
	}
	if c.Attachments.AttemptTimeoutSec == 0 {
		c.Attachments.AttemptTimeoutSec = constants.DefaultAttachmentTimeoutSec
	}
	if c.Attachments.MaxAgeSec == 0 {
		c.Attachments.MaxAgeSec = constants.DefaultStagedFileMaxAgeSec
	}
	if c.Attachments.SweepIntervalSec == 0 {
		c.Attachments.SweepIntervalSec = constants.DefaultStagedSweepIntervalSec
	}

	if c.Relay.MaxSizeMB == 0 {
		c.Relay.MaxSizeMB = constants.DefaultRelayMaxSizeMB
	}
	if len(c.Relay.AllowedExtensions) == 0 {
		c.Relay.AllowedExtensions = append([]string(nil), constants.DefaultRelayExtensions...)
	}

	if c.Retry.InitialBackoffMs == 0 {
		c.Retry.InitialBackoffMs = constants.DefaultAttachmentBackoffMs
	}
	if c.Retry.MaxBackoffMs == 0 {
		c.Retry.MaxBackoffMs = constants.DefaultAttachmentMaxBackoffMs
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// applyEnvironmentOverrides lets the environment replace file values.
// TICKETBRIDGE_* names win over the legacy names of the bot's .env files.
func applyEnvironmentOverrides(c *models.Config) {
	envString(&c.Discord.Token, "DISCORD_TOKEN")
	envString(&c.Discord.ApplicationID, "DISCORD_APPLICATION_ID", "DISCORD_CLIENT_ID")
	envString(&c.Discord.GuildID, "DISCORD_GUILD_ID")
	envString(&c.Discord.StaffRoleID, "DISCORD_STAFF_ROLE_ID")

	envString(&c.WHMCS.APIURL, "WHMCS_API_URL")
	envString(&c.WHMCS.Identifier, "WHMCS_API_IDENTIFIER")
	envString(&c.WHMCS.Secret, "WHMCS_API_SECRET")
	envString(&c.WHMCS.AccessKey, "WHMCS_ACCESS_KEY")

	envString(&c.Database.Path, "DB_PATH")
	envString(&c.Database.EncryptionSecret, "DB_ENCRYPTION_SECRET")

	envString(&c.Webhook.Secret, "WEBHOOK_SECRET")
	envInt(&c.Webhook.Port, "WEBHOOK_PORT")
	envInt(&c.Sync.IntervalSec, "SYNC_INTERVAL")

	envString(&c.Attachments.TempDir, "ATTACHMENT_DIR")
	envString(&c.LogLevel, "LOG_LEVEL")
	envString(&c.Tracing.OTLPEndpoint, "OTLP_ENDPOINT")
}

// lookup returns the first set variable among the prefixed and bare names.
func lookup(names ...string) (string, bool) {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(envPrefix + name)); v != "" {
			return v, true
		}
	}
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, true
		}
	}
	return "", false
}

func envString(dst *string, names ...string) {
	if v, ok := lookup(names...); ok {
		*dst = v
	}
}

func envInt(dst *int, names ...string) {
	v, ok := lookup(names...)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	} else {
		fmt.Fprintf(os.Stderr, "WARNING: ignoring non-numeric %s=%q\n", names[0], v)
	}
}

// IsProduction reports whether TICKETBRIDGE_ENV (or NODE_ENV) is "production".
func IsProduction() bool {
	env := os.Getenv(envPrefix + "ENV")
	if env == "" {
		env = os.Getenv("NODE_ENV")
	}
	return env == "production"
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if IsProduction() {
		if c.Webhook.Secret == "" {
			return models.ConfigError{Message: "webhook secret is required in production (set TICKETBRIDGE_WEBHOOK_SECRET)"}
		}
		if len(c.Webhook.Secret) < constants.MinWebhookSecretLength {
			return models.ConfigError{Message: fmt.Sprintf("webhook secret must be at least %d characters long", constants.MinWebhookSecretLength)}
		}
		if c.LogLevel == "debug" || c.LogLevel == "trace" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		return nil
	}

	if c.Webhook.Secret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: webhook secret not set. Set TICKETBRIDGE_WEBHOOK_SECRET so WHMCS requests are signed.\n")
	}
	return nil
}
