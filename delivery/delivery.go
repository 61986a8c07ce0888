package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottled is returned by [Throttle] when the send budget is spent.
var ErrThrottled = errors.New("delivery throttled")

// Kind names the message being delivered.
type Kind string

const (
	KindOTP               Kind = "otp"
	KindPasswordReset     Kind = "password_reset"
	KindEmailVerification Kind = "email_verification"
)

// Message is one outbound notification. Secret is the plaintext code or
// token; it exists only in memory on its way to the recipient.
type Message struct {
	Kind      Kind
	To        string
	Purpose   string
	Secret    string
	ExpiresAt time.Time
}

// Deliverer sends messages out of band. Errors mean the message was not
// accepted for delivery.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Func adapts a function to [Deliverer].
type Func func(ctx context.Context, msg Message) error

func (f Func) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// LogDeliverer records that a message would be sent. The secret is not
// logged.
type LogDeliverer struct {
	logger *slog.Logger
}

func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDeliverer{logger: logger}
}

func (d *LogDeliverer) Deliver(ctx context.Context, msg Message) error {
	d.logger.InfoContext(ctx, "delivery",
		"kind", string(msg.Kind),
		"purpose", msg.Purpose,
		"expires_at", msg.ExpiresAt,
	)
	return nil
}

// Recorder keeps delivered messages in memory, newest last. It is meant for
// tests and local development.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	fail     error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent deliveries return err. A nil err restores
// normal behaviour.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *Recorder) Deliver(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.messages = append(r.messages, msg)
	return nil
}

// Last returns the most recent message of kind sent to recipient.
func (r *Recorder) Last(kind Kind, to string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Kind == kind && r.messages[i].To == to {
			return r.messages[i], true
		}
	}
	return Message{}, false
}

// Count returns the number of recorded messages.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Throttle caps the outbound send rate of the wrapped [Deliverer] with a
// process-local token bucket.
type Throttle struct {
	next    Deliverer
	limiter *rate.Limiter
}

// NewThrottle allows perSecond sends on average with bursts up to burst.
func NewThrottle(next Deliverer, perSecond float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttle) Deliver(ctx context.Context, msg Message) error {
	if !t.limiter.Allow() {
		return ErrThrottled
	}
	return t.next.Deliver(ctx, msg)
}
