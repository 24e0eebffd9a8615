package pipeline

// Error codes carried in error and message_send_failed events. Clients
// branch on the code; the message text is advisory.
const (
	CodeValidation    = "validation_error"
	CodeAuthorization = "authorization_error"
	CodeNotFound      = "not_found"
	CodePersistence   = "persistence_error"
	CodeRateLimited   = "rate_limited"
	CodeInternal      = "internal_error"
)
