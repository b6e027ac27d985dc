package protocol

import (
	"errors"
	"strings"
)

var (
	// ErrCancelled marks a session stopped by job cancellation or shutdown
	ErrCancelled = errors.New("job cancelled")

	// ErrArtifactUnavailable is reported when the runner ends an artifact stream with its error flag set
	ErrArtifactUnavailable = errors.New("artifact unavailable")

	// ErrInvalidArtifactPath rejects artifact names that are empty, rooted or contain ".."
	ErrInvalidArtifactPath = errors.New("invalid artifact path")
)

// ProtocolError reports a message that is not valid in the current session state,
// or a stream that ended early
type ProtocolError struct {
	Expected []Kind
	Received Kind
	// EndOfStream is set when the connection ended instead of delivering a message
	EndOfStream bool
}

func (e *ProtocolError) Error() string {
	names := make([]string, len(e.Expected))
	for i, k := range e.Expected {
		names[i] = k.String()
	}
	got := e.Received.String()
	if e.EndOfStream {
		got = "end of stream"
	}
	return "protocol error: expected " + strings.Join(names, " or ") + ", received " + got
}
