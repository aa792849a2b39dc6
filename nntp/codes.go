package nntp

// Response codes, RFC 3977 and RFC 4643.
const (
	C101Capabilities  = 101 // Capability list follows.
	C111Date          = 111 // Server date and time.
	C200ReadyPost     = 200 // Service available, posting allowed.
	C201ReadyNoPost   = 201 // Service available, posting prohibited.
	C205Bye           = 205 // Connection closing.
	C211Group         = 211 // Group selected, also LISTGROUP.
	C215List          = 215 // Information follows.
	C220Article       = 220 // Article follows.
	C221Head          = 221 // Headers follow.
	C222Body          = 222 // Body follows.
	C223Stat          = 223 // Article exists.
	C224Overview      = 224 // Overview information follows.
	C231NewGroups     = 231 // List of new newsgroups follows.
	C240PostOK        = 240 // Article received OK.
	C281AuthAccepted  = 281 // Authentication accepted.
	C282XGTitle       = 282 // XGTITLE list follows.
	C283AuthAccepted  = 283 // Authentication accepted, with security layer.
	C340SendArticle   = 340 // Send article to be posted.
	C381PasswordReq   = 381 // Password required.
	C382ContinueTLS   = 382 // Continue with TLS negotiation.
	C383Continue      = 383 // Continue with SASL exchange.
	C400NotAvailable  = 400 // Service no longer available.
	C411NoSuchGroup   = 411 // No such newsgroup.
	C412NoGroup       = 412 // No newsgroup selected.
	C420NoArticle     = 420 // Current article number is invalid.
	C423NoArticleNum  = 423 // No article with that number.
	C430NoArticle     = 430 // No article with that message-id.
	C440PostProhibit  = 440 // Posting not permitted.
	C441PostFailed    = 441 // Posting failed.
	C480AuthRequired  = 480 // Authentication required.
	C481AuthRejected  = 481 // Authentication failed or rejected.
	C483EncryptionReq = 483 // Stronger security required.
	C500Unknown       = 500 // Unknown command.
	C501Syntax        = 501 // Syntax error.
	C502Permission    = 502 // Command unavailable or permission denied.
	C503Fail          = 503 // Feature not supported or internal fault.
)
