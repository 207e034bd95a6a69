package models

// Delivery failure codes. The retryable set is the gateway/worker contract:
// retryable codes loop a post back to QUEUED until the attempt ceiling,
// everything else is terminal and needs user or operator action.
const (
	ErrCodeNoConnection        = "NO_CONNECTION"
	ErrCodeMissingAccessSecret = "MISSING_ACCESS_SECRET"
	ErrCodeTokenExpired        = "TOKEN_EXPIRED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeAuthInvalid         = "AUTH_INVALID"
	ErrCodeAccountSuspended    = "ACCOUNT_SUSPENDED"
	ErrCodeDuplicateTweet      = "DUPLICATE_TWEET"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeServerError         = "TWITTER_SERVER_ERROR"
	ErrCodeNetworkError        = "NETWORK_ERROR"
	ErrCodeConfigMissing       = "CONFIG_MISSING"
	ErrCodeContentTooLong      = "CONTENT_TOO_LONG"
	ErrCodeUnknown             = "UNKNOWN_ERROR"
	ErrCodeUnknownTwitter      = "UNKNOWN_TWITTER_ERROR"
)
