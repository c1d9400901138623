package models

// Config holds the application configuration
type Config struct {
	Discord     DiscordConfig    `json:"discord" mapstructure:"discord"`
	WHMCS       WHMCSConfig      `json:"whmcs" mapstructure:"whmcs"`
	Database    DatabaseConfig   `json:"database" mapstructure:"database"`
	Webhook     WebhookConfig    `json:"webhook" mapstructure:"webhook"`
	Sync        SyncConfig       `json:"sync" mapstructure:"sync"`
	Statuses    StatusMapping    `json:"statuses" mapstructure:"statuses"`
	Attachments AttachmentConfig `json:"attachments" mapstructure:"attachments"`
	Relay       RelayConfig      `json:"relay" mapstructure:"relay"`
	Retry       RetryConfig      `json:"retry" mapstructure:"retry"`
	Tracing     TracingConfig    `json:"tracing" mapstructure:"tracing"`
	LogLevel    string           `json:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
}

// DiscordConfig holds chat platform settings
type DiscordConfig struct {
	Token             string  `json:"token" mapstructure:"token" validate:"required"`
	ApplicationID     string  `json:"application_id" mapstructure:"application_id" validate:"required,snowflake"`
	GuildID           string  `json:"guild_id" mapstructure:"guild_id" validate:"required,snowflake"`
	StaffRoleID       string  `json:"staff_role_id" mapstructure:"staff_role_id" validate:"required,snowflake"`
	APIBaseURL        string  `json:"api_base_url" mapstructure:"api_base_url" validate:"omitempty,url"`
	GatewayURL        string  `json:"gateway_url" mapstructure:"gateway_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`

	// SkipCommandRegistration leaves the guild's slash commands untouched at startup.
	SkipCommandRegistration bool `json:"skip_command_registration" mapstructure:"skip_command_registration"`
}

// WHMCSConfig holds ticketing backend settings
type WHMCSConfig struct {
	APIURL            string  `json:"api_url" mapstructure:"api_url" validate:"required,url"`
	Identifier        string  `json:"identifier" mapstructure:"identifier" validate:"required"`
	Secret            string  `json:"secret" mapstructure:"secret" validate:"required"`
	AccessKey         string  `json:"access_key" mapstructure:"access_key"`
	TimeoutSec        int     `json:"timeout_sec" mapstructure:"timeout_sec" validate:"gte=0"`
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	PageSize          int     `json:"page_size" mapstructure:"page_size" validate:"gte=0,lte=1000"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
	// EncryptionSecret enables at-rest encryption of cached client details.
	EncryptionSecret string `json:"encryption_secret" mapstructure:"encryption_secret"`
}

// WebhookConfig holds inbound webhook listener settings
type WebhookConfig struct {
	Port   int    `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	Secret string `json:"secret" mapstructure:"secret"`
	// RateLimitPerMin caps webhook requests per client IP.
	RateLimitPerMin int `json:"rate_limit_per_min" mapstructure:"rate_limit_per_min" validate:"gte=0"`
}

// SyncConfig tunes the sweep scheduler and worker pool
type SyncConfig struct {
	IntervalSec         int  `json:"interval_sec" mapstructure:"interval_sec" validate:"gte=0"`
	Concurrency         int  `json:"concurrency" mapstructure:"concurrency" validate:"gte=0,lte=64"`
	QueueSize           int  `json:"queue_size" mapstructure:"queue_size" validate:"gte=0"`
	StatusCacheTTLSec   int  `json:"status_cache_ttl_sec" mapstructure:"status_cache_ttl_sec" validate:"gte=0"`
	PriorityCacheTTLSec int  `json:"priority_cache_ttl_sec" mapstructure:"priority_cache_ttl_sec" validate:"gte=0"`
	ClientCacheHours    int  `json:"client_cache_hours" mapstructure:"client_cache_hours" validate:"gte=0"`
	SkipStartupSync     bool `json:"skip_startup_sync" mapstructure:"skip_startup_sync"`
}

// StatusMapping names the core WHMCS status titles
type StatusMapping struct {
	Open          string `json:"open" mapstructure:"open"`
	Answered      string `json:"answered" mapstructure:"answered"`
	CustomerReply string `json:"customer_reply" mapstructure:"customer_reply"`
	Closed        string `json:"closed" mapstructure:"closed"`
	OnHold        string `json:"on_hold" mapstructure:"on_hold"`
}

// AttachmentConfig configures mirroring of WHMCS attachments into chat
type AttachmentConfig struct {
	TempDir           string   `json:"temp_dir" mapstructure:"temp_dir"`
	MaxSizeMB         int      `json:"max_size_mb" mapstructure:"max_size_mb" validate:"gte=0"`
	AllowedExtensions []string `json:"allowed_extensions" mapstructure:"allowed_extensions" validate:"dive,startswith=."`
	MaxAttempts       int      `json:"max_attempts" mapstructure:"max_attempts" validate:"gte=0,lte=10"`
	AttemptTimeoutSec int      `json:"attempt_timeout_sec" mapstructure:"attempt_timeout_sec" validate:"gte=0"`
	MaxAgeSec         int      `json:"max_age_sec" mapstructure:"max_age_sec" validate:"gte=0"`
	SweepIntervalSec  int      `json:"sweep_interval_sec" mapstructure:"sweep_interval_sec" validate:"gte=0"`
}

// RelayConfig configures chat-to-ticket reply relaying
type RelayConfig struct {
	Disabled          bool     `json:"disabled" mapstructure:"disabled"`
	MaxSizeMB         int      `json:"max_size_mb" mapstructure:"max_size_mb" validate:"gte=0"`
	AllowedExtensions []string `json:"allowed_extensions" mapstructure:"allowed_extensions" validate:"dive,startswith=."`
	StaffNamePrefix   string   `json:"staff_name_prefix" mapstructure:"staff_name_prefix"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig mirrors tracing.TracingConfig for the config file
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	UseStdout    bool    `json:"use_stdout"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate" validate:"gte=0,lte=1"`
	Environment  string  `json:"environment"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
