// Package errs defines the error-kind taxonomy shared by the sandbox and
// transfer halves of corectl.
package errs

import "errors"

// Kind identifies which surfacing policy applies to a given error. Callers
// use errors.Is against the sentinels below rather than switching on Kind
// directly.
type Kind int

const (
	KindUnknown Kind = iota
	KindKernel
	KindConfig
	KindTransport
	KindProtocol
	KindSourceSink
	KindTimeout
	KindCancellation
)

func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindSourceSink:
		return "source_sink"
	case KindTimeout:
		return "timeout"
	case KindCancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Wrap with %w alongside contextual detail; never
// return these bare when a more specific message is available.
var (
	ErrKernel       = errors.New("kernel syscall failure")
	ErrConfig       = errors.New("configuration error")
	ErrTransport    = errors.New("transport failure")
	ErrProtocol     = errors.New("protocol violation")
	ErrSourceSink   = errors.New("source/sink failure")
	ErrTimeout      = errors.New("timeout")
	ErrCancellation = errors.New("cancelled")
)

// KindOf maps a sentinel to its Kind, used by callers that log errors with
// structured severity without re-deriving the mapping ad hoc.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrKernel):
		return KindKernel
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrSourceSink):
		return KindSourceSink
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancellation):
		return KindCancellation
	default:
		return KindUnknown
	}
}
