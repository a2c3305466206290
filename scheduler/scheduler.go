// Package scheduler implements the bounded-channel admission control
// between reception and the working/delivery processing pools (C9).
package scheduler

import (
	"context"

	"github.com/google/uuid"
)

// ProcessMessage names one message awaiting processing by a pool.
type ProcessMessage struct {
	MessageUUID uuid.UUID
	Delegated   bool
}

// Scheduler owns the two bounded FIFO channels described in §4.9: one
// feeding the working pool, one feeding the delivery pool. Backpressure
// (a full channel blocking the sender) is the admission-control mechanism
// that keeps the queue manager from being overloaded.
type Scheduler struct {
	working  chan ProcessMessage
	delivery chan ProcessMessage
}

// New creates a Scheduler with the given channel capacities.
func New(workingChannelSize, deliveryChannelSize int) *Scheduler {
	return &Scheduler{
		working:  make(chan ProcessMessage, workingChannelSize),
		delivery: make(chan ProcessMessage, deliveryChannelSize),
	}
}

// Emitter returns the producer-side handle: the receiver (after PreQ) and
// the working processor (after PostQ) both emit through it.
func (s *Scheduler) Emitter() Emitter { return Emitter{s} }

// WorkingReceiver returns the working pool's consumer-side stream.
func (s *Scheduler) WorkingReceiver() Receiver { return Receiver{s.working} }

// DeliveryReceiver returns the delivery pool's consumer-side stream.
func (s *Scheduler) DeliveryReceiver() Receiver { return Receiver{s.delivery} }

// Emitter is the producer-side handle onto a Scheduler's two channels.
type Emitter struct {
	s *Scheduler
}

// SendWorking enqueues pm on the working channel, blocking while it is full.
func (e Emitter) SendWorking(ctx context.Context, pm ProcessMessage) error {
	select {
	case e.s.working <- pm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendDelivery enqueues pm on the delivery channel, blocking while it is full.
func (e Emitter) SendDelivery(ctx context.Context, pm ProcessMessage) error {
	select {
	case e.s.delivery <- pm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receiver is a consumer-side stream adapter over one of the Scheduler's
// channels.
type Receiver struct {
	ch chan ProcessMessage
}

// Next blocks until a ProcessMessage is available or ctx is done.
func (r Receiver) Next(ctx context.Context) (ProcessMessage, bool) {
	select {
	case pm, ok := <-r.ch:
		return pm, ok
	case <-ctx.Done():
		return ProcessMessage{}, false
	}
}
