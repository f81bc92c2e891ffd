package aresolv

import (
	"errors"
)

// Status values produced by the engine. A nil error means success. Queries
// that run out of retries complete with the most recent failure status
// observed across their attempts (ErrTimeout for an attempt that expired).
var (
	// ErrNoServers is returned when no upstream server is configured or
	// selectable. It is surfaced immediately and is not retried.
	ErrNoServers = errors.New("no servers available")

	// ErrConnRefused indicates the server actively refused the connection
	// or the socket failed mid-flight. Retryable on another server.
	ErrConnRefused = errors.New("connection refused")

	// ErrBadFamily indicates the server's address family is not supported
	// by the local stack. Retryable on another server.
	ErrBadFamily = errors.New("address family not supported")

	// ErrBadResponse indicates a response that could not be parsed. The
	// connection that produced it is torn down.
	ErrBadResponse = errors.New("malformed response")

	// ErrServFail, ErrNotImp and ErrRefused map the SERVFAIL, NOTIMP and
	// REFUSED response codes. They count as server failures and trigger a
	// retry elsewhere.
	ErrServFail = errors.New("server returned SERVFAIL")
	ErrNotImp   = errors.New("server returned NOTIMP")
	ErrRefused  = errors.New("server returned REFUSED")

	// ErrFormErr maps the FORMERR response code when the EDNS downgrade
	// path is not applicable.
	ErrFormErr = errors.New("server returned FORMERR")

	// ErrTimeout is delivered after all retries have been exhausted
	// without a more specific error.
	ErrTimeout = errors.New("query timed out")

	// ErrCancelled is delivered to queries still pending when the channel
	// is closed.
	ErrCancelled = errors.New("query cancelled")

	// ErrNoMem indicates a buffer or allocation limit was hit. It ends
	// the affected query without a retry; the connection survives.
	ErrNoMem = errors.New("out of memory")

	// ErrWouldBlock is returned by Transport.Read when no data is
	// available. It never surfaces to callers.
	ErrWouldBlock = errors.New("operation would block")

	// ErrChannelClosed is returned by SendQuery after Close.
	ErrChannelClosed = errors.New("channel is closed")
)

// Open and flush errors that merit trying the same query on a different
// server rather than failing it.
func retryableConnError(err error) bool {
	return errors.Is(err, ErrConnRefused) || errors.Is(err, ErrBadFamily)
}
