package constants

// Default sync configuration values
const (
	DefaultSyncIntervalSec      = 300
	DefaultSyncConcurrency      = 4
	DefaultTicketQueueSize      = 16
	DefaultStatusCacheTTLSec    = 600
	DefaultPriorityCacheTTLSec  = 600
	DefaultClientCacheValidHour = 24
	DefaultTicketPageSize       = 100
	DefaultServerPort           = 3000
	DefaultClosedStatus         = "Closed"
	DefaultOnHoldStatus         = "On Hold"
	DefaultPriority             = "Medium"
	DefaultCategoryName         = "General Support"
)

// Default attachment configuration values
const (
	BytesPerMegabyte                = 1024 * 1024
	DefaultAttachmentMaxSizeMB      = 25
	DefaultRelayMaxSizeMB           = 2
	DefaultAttachmentAttempts       = 3
	DefaultAttachmentTimeoutSec     = 30
	DefaultAttachmentBackoffMs      = 500
	DefaultAttachmentMaxBackoffMs   = 5000
	DefaultStagedFileMaxAgeSec      = 3600
	DefaultStagedSweepIntervalSec   = 900
	DefaultRelayWarningTTLSec       = 10
	DefaultRelayNoticeTTLSec        = 5
	DefaultRelayDeleteDelayMs       = 2000
	DefaultDiscordRequestsPerSecond = 45
	DefaultWHMCSRequestsPerSecond   = 10
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultDatabaseRetryAttempts  = 3
	DefaultGracefulShutdownSec    = 30
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultBreakerMaxFailures     = 5
	DefaultBreakerTimeoutSec      = 30
	DefaultGatewayReconnectMaxSec = 60
)

// File permission constants
const (
	DefaultFilePermissions      = 0600
	DefaultDirectoryPermissions = 0750
)

// Discord limits
const (
	MaxChannelNameSlugLength = 20
	MaxCategoryNameLength    = 100
	MaxAutocompleteChoices   = 25
	MaxEmbedDescription      = 4096
	MaxMessageContentLength  = 2000
)

// Webhook limits
const (
	MaxTicketIDLength      = 32
	MaxWebhookBodyBytes    = 64 * 1024
	MinWebhookSecretLength = 32

	DefaultWebhookRateLimitPerMin = 120
	DefaultWebhookRateBurst       = 20
	RateLimiterIdleTTLMin         = 10
)
