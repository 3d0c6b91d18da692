package bus

import (
	"errors"
	"time"

	"github.com/tendant/listing-image-pipeline/internal/events"
	"github.com/tendant/listing-image-pipeline/internal/workflows"
)

type ackAction int

const (
	actionAck ackAction = iota
	actionNak
	actionTerm
)

func (a ackAction) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionNak:
		return "nak"
	case actionTerm:
		return "term"
	}
	return "unknown"
}

type ackDecision struct {
	action ackAction
	delay  time.Duration
}

// decideAck maps a handler result to a JetStream acknowledgement.
// Record-resolution failures are redelivered with a longer delay and bounded by
// MaxDeliver, so a late-created record still gets its image while a broken
// naming contract stops after a visible number of attempts.
func decideAck(err error, retryDelay time.Duration) ackDecision {
	if err == nil {
		return ackDecision{action: actionAck}
	}
	if errors.Is(err, events.ErrIgnoredEvent) {
		return ackDecision{action: actionAck}
	}
	if isDecodeError(err) {
		return ackDecision{action: actionTerm}
	}

	switch workflows.ClassOf(err) {
	case workflows.ClassFatalContent:
		return ackDecision{action: actionTerm}
	case workflows.ClassRecordResolution:
		return ackDecision{action: actionNak, delay: 4 * retryDelay}
	default:
		return ackDecision{action: actionNak, delay: retryDelay}
	}
}

// decodeError marks payloads that can never be parsed
type decodeError struct{ err error }

func (e decodeError) Error() string { return e.err.Error() }
func (e decodeError) Unwrap() error { return e.err }

func isDecodeError(err error) bool {
	var de decodeError
	return errors.As(err, &de)
}
