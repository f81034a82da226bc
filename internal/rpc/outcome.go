package rpc

import (
	"errors"
	"fmt"
)

// Outcome is the caller-visible result class of a call.
type Outcome int

const (
	// OutcomeOK: an Ok reply arrived.
	OutcomeOK Outcome = iota
	// OutcomeRejected: the server received the request and answered with an
	// Error reply.
	OutcomeRejected
	// OutcomeTimedOut: nothing arrived before the deadline.
	OutcomeTimedOut
	// OutcomeChannelClosed: the connection went away mid-call.
	OutcomeChannelClosed
	// OutcomeFailed: the call could not be made (encoding, cancellation).
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeChannelClosed:
		return "channel_closed"
	default:
		return "failed"
	}
}

// Classify maps the two return values of a call onto an Outcome.
func Classify(reply *Reply, err error) Outcome {
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return OutcomeTimedOut
	case errors.Is(err, ErrChannelClosed):
		return OutcomeChannelClosed
	case err != nil:
		return OutcomeFailed
	case reply.OK():
		return OutcomeOK
	default:
		return OutcomeRejected
	}
}

// Describe renders a call result the way operator dashboards show it.
func Describe(reply *Reply, err error) string {
	switch Classify(reply, err) {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		if reply.Error != nil {
			return fmt.Sprintf("request rejected: %s", reply.Error.Message)
		}
		return "request rejected"
	case OutcomeTimedOut, OutcomeChannelClosed:
		return "service unavailable, retry"
	default:
		return fmt.Sprintf("request failed: %v", err)
	}
}
