package rpc

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Call is an outstanding request. Wait blocks for its outcome; callers that
// lose interest may simply drop it, and the pending record is still removed
// at the deadline.
type Call struct {
	Operation     Operation
	Destination   string
	CorrelationID string

	reply *Reply
	err   error

	mu      sync.Mutex
	timer   *time.Timer
	span    trace.Span
	started time.Time
	done    chan struct{}
	once    sync.Once
	onDone  func(*Call)
}

func newCall(op Operation, destination string) *Call {
	return &Call{
		Operation:   op,
		Destination: destination,
		started:     time.Now(),
		done:        make(chan struct{}),
	}
}

// Done is closed when the call has an outcome.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call finishes and returns its result. An Error
// reply is returned with a nil error.
func (c *Call) Wait() (*Reply, error) {
	<-c.done
	return c.reply, c.err
}

// Elapsed is the time since the call was started.
func (c *Call) Elapsed() time.Duration {
	return time.Since(c.started)
}

func (c *Call) setTimer(timer *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = timer
}

func (c *Call) finish(reply *Reply, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		span := c.span
		c.mu.Unlock()

		c.reply = reply
		c.err = err

		if span != nil {
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case !reply.OK() && reply.Error != nil:
				span.SetStatus(codes.Error, string(reply.Error.Code))
			}
			span.End()
		}
		if c.onDone != nil {
			c.onDone(c)
		}
		close(c.done)
	})
}
