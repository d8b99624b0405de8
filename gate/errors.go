package gate

import "errors"

// Error kinds returned by Service. Callers map them to responses with
// errors.Is; the wrapped cause is for logs only.
var (
	// ErrInvalidKey means the code was never issued, was already used, or
	// the presented pre-access token did not verify.
	ErrInvalidKey = errors.New("invalid key")
	// ErrExpiredKey means the code existed but its expiry had passed. The
	// record has been removed.
	ErrExpiredKey = errors.New("key has expired")
	// ErrUnauthorized means a bearer token was missing, did not verify, or
	// carried the wrong scope.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStoreUnavailable means the key store could not be reached. It is
	// the only kind worth retrying.
	ErrStoreUnavailable = errors.New("key store unavailable")
	// ErrDeliveryFailed means the unlock code was stored but the mailer did
	// not accept it.
	ErrDeliveryFailed = errors.New("unlock code delivery failed")
	// ErrInvalidRecipient means the recipient address could not be parsed.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrInvalidCode means an administrator-supplied code is unusable.
	ErrInvalidCode = errors.New("invalid code")
)
