package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/mpk/core/infra/logging"
)

// maxDeliver bounds JetStream redeliveries of one event to a consumer.
const maxDeliver = 5

var errRetryRequested = errors.New("redelivery requested")

// retryError asks the consumer to redeliver an event.
type retryError struct {
	err   error
	delay time.Duration
}

func (e *retryError) Error() string {
	if e.delay > 0 {
		return fmt.Sprintf("redeliver in %s: %v", e.delay, e.err)
	}
	return fmt.Sprintf("redeliver: %v", e.err)
}

func (e *retryError) Unwrap() error { return e.err }

// Retry wraps a handler error so a JetStream consumer naks the event and
// gets it again after delay. Core NATS subscriptions log and drop it.
func Retry(err error, delay time.Duration) error {
	if err == nil {
		err = errRetryRequested
	}
	return &retryError{err: err, delay: max(delay, 0)}
}

// RetryDelay reports whether err was built by Retry and the delay it asks for.
func RetryDelay(err error) (time.Duration, bool) {
	var re *retryError
	if !errors.As(err, &re) {
		return 0, false
	}
	return re.delay, true
}

// acker is the JetStream acknowledgement surface of *nats.Msg.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
}

// settle acknowledges a delivered message according to the handler result.
// Handler errors other than Retry are logged and acked so a bad event is not
// redelivered.
func settle(msg acker, subject string, err error) error {
	if err == nil {
		return msg.Ack()
	}
	if delay, ok := RetryDelay(err); ok {
		logging.Warn("bus", "event redelivery requested", "subject", subject, "delay", delay, "error", err)
		if delay > 0 {
			return msg.NakWithDelay(delay)
		}
		return msg.Nak()
	}
	logging.Error("bus", "handler error (ack)", "subject", subject, "error", err)
	return msg.Ack()
}
