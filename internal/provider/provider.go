package provider

import (
	"context"
	"errors"
)

// ErrTransport marks a delivery that did not succeed. Callers treat it, a
// timeout and any other error the same way.
var ErrTransport = errors.New("transport failure")

type Message struct {
	AttemptID int64
	Address   string
	Body      string
}

// Provider delivers one message. Implementations must honour ctx; the
// caller bounds every call with a timeout.
type Provider interface {
	Send(ctx context.Context, m Message) error
}
