// Package triageerr defines the error kinds shared across the signaling
// hub, room agent, analysis graph, and vector store, per the error
// propagation rules: node-local errors never cross sibling branches,
// peer-local errors never cross peers, room-local fatal errors never
// cross rooms.
package triageerr

import "errors"

var (
	// ErrBadRequest marks a malformed message or missing required field.
	// Reported to the offending peer; never fatal.
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound marks a missing target peer or room. Reported to the sender.
	ErrNotFound = errors.New("not found")

	// ErrOverloaded marks a mailbox or rate-limiter rejection.
	ErrOverloaded = errors.New("overloaded")

	// ErrUpstream marks a chat or vector backend failure after retries.
	// The affected analysis kind is skipped for that turn and surfaced as
	// a null-payload result with an error code.
	ErrUpstream = errors.New("upstream failure")

	// ErrTimeout marks a node or call that exceeded its deadline. Reported
	// with its own wire code rather than folded into ErrUpstream, since a
	// timeout tells an agent something different about retry odds than a
	// backend rejection does.
	ErrTimeout = errors.New("timeout")

	// ErrFatal marks an unrecoverable invariant violation. The affected
	// room is torn down and its peers are notified.
	ErrFatal = errors.New("fatal")
)

// Code returns the wire error code for a given sentinel error,
// falling back to "internal" for anything unrecognized.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrFatal):
		return "fatal"
	default:
		return "internal"
	}
}
