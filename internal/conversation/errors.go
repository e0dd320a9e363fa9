package conversation

import "errors"

var (
	// ErrInvalidMessage is returned when an append carries an unknown role,
	// oversized content or no conversation id, and when the conversation has
	// no room left (also matching domain.ErrHistoryFull). Nothing is written.
	ErrInvalidMessage = errors.New("conversation: invalid message")

	// ErrStorageUnavailable is returned when the persistence layer could not
	// complete a read or write. The history is left as it was before the call.
	ErrStorageUnavailable = errors.New("conversation: storage unavailable")
)
