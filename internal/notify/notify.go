// Package notify delivers rendered notification text to a recipient.
//
// The execution engine treats any non-nil Deliver error as a delivery
// failure and records it on the task; transports must therefore return
// errors rather than retrying internally.
package notify

import (
	"context"
	"errors"
	"time"
)

// ErrTransport wraps delivery failures so callers can classify them
// without depending on a concrete transport.
var ErrTransport = errors.New("notification transport error")

// Target is a resolved delivery address.
type Target struct {
	ChatID int64 `json:"chat_id"`
}

// Transport sends one message to one target.
type Transport interface {
	Deliver(ctx context.Context, to Target, text string) error
	Close() error
}

// Config selects and tunes the transport.
type Config struct {
	Driver      string
	Token       string
	RatePerSec  int
	SendTimeout time.Duration
}
