package replay

import "errors"

var (
	// ErrMalformedRequest is returned when raw_request cannot be parsed as
	// an HTTP/1.x request.
	ErrMalformedRequest = errors.New("replay: malformed raw request")
	// ErrNoHost is returned when neither the request line nor a Host
	// header name a target to dial.
	ErrNoHost = errors.New("replay: request names no host")
	// ErrCancelled is the internal sentinel surfaced to the operator as
	// the replay_response error=cancelled field.
	ErrCancelled = errors.New("replay: cancelled")
)
