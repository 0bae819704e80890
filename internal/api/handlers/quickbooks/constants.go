package quickbooks

const (
	// Session cookie configuration
	sessionName = "transync_session"

	sessionUserID   = "user_id"
	sessionState    = "qb_state"
	sessionVerifier = "qb_verifier"

	// SessionMaxAge bounds the browser session cookie
	SessionMaxAge = 7 * 24 * 60 * 60 // 7 days in seconds

	// MinCookieSecretLength is the minimum signing secret size
	MinCookieSecretLength = 32 // bytes
)
