package remote

import "errors"

var (
	// ErrNotFound means the conversation no longer exists.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden means the user is not a member of the conversation.
	ErrForbidden = errors.New("not a member of conversation")
	// ErrUnavailable is a transient transport or store failure.
	ErrUnavailable = errors.New("store unavailable")
	// ErrMalformed marks a request or record the store refused to process.
	ErrMalformed = errors.New("malformed data")
)

// IsPermanent reports whether err ends the conversation session instead of
// being retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}
