package constants

// Default worker configuration values
const (
	DefaultWorkerIntervalSec   = 60
	DefaultWorkerTickBudgetSec = 45
	DefaultMonitorIntervalSec  = 60
	DefaultRetryBackoffMs      = 1000
	DefaultMaxBackoffMs        = 60000
	DefaultMaxAttempts         = 5
	DefaultServerPort          = 4000
)

// Queue limits
const (
	// DefaultMaxSendAttempts caps delivery attempts before an item is
	// dropped from a queue and surfaced as discarded.
	DefaultMaxSendAttempts = 10

	DefaultQueueAlertThreshold = 50
	DefaultAlertCooldownMin    = 30
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec        = 30
	DefaultMailTimeoutSec        = 15
	DefaultDatabaseRetryAttempts = 3
	DefaultDBProbeTimeoutMs      = 750
	DefaultDBWriteTimeoutSec     = 5
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
)

// Connectivity gate circuit breaker settings
const (
	DefaultGateMaxFailures    = 3
	DefaultGateOpenTimeoutSec = 15
)

// Token and code formats
const (
	// RequestTokenBytes is the entropy of an org-code request token;
	// rendered as hex the token is twice this length.
	RequestTokenBytes = 20

	OrgCodeLength   = 6
	OrgCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	MinTokenLength = 8
	MaxTokenLength = 64
)

// Input limits
const (
	MaxEmailLength    = 254
	MaxNameLength     = 128
	MaxSubjectLength  = 256
	MaxBodyLength     = 16384
	MaxReasonLength   = 1024
	MinPasswordLength = 8
	MinAdminKeyLength = 32
)

// Queue file names under the data directory
const (
	OutboxFile      = "outbox.json"
	SignupQueueFile = "signup_queue.json"
	OrgRequestsFile = "org_code_requests.json"
	InboundFile     = "inbound.json"
)
