package provider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Dummy simulates a provider with fixed latency and a small failure ratio.
type Dummy struct {
	Latency  time.Duration
	FailRate float64
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailRate: 0.03} }

func (d *Dummy) Send(ctx context.Context, m Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	if rand.Float64() < d.FailRate {
		return fmt.Errorf("%w: simulated failure for attempt %d", ErrTransport, m.AttemptID)
	}
	return nil
}
