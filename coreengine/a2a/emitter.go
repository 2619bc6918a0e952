package a2a

import (
	"context"
	"sync"

	"github.com/jeeves-cluster-organization/agentrelay/commbus"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
)

// Emitter receives envelopes. Implementations must not block the caller for
// long; wrap slow observers in Buffered.
type Emitter interface {
	Emit(env Envelope)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(env Envelope)

// Emit implements Emitter.
func (f EmitterFunc) Emit(env Envelope) { f(env) }

// Nop discards envelopes.
var Nop Emitter = EmitterFunc(func(Envelope) {})

// Multi fans an envelope out to every non-nil emitter in order.
func Multi(emitters ...Emitter) Emitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return EmitterFunc(func(env Envelope) {
		for _, e := range out {
			e.Emit(env)
		}
	})
}

// Safe wraps an emitter so a panicking observer never reaches the caller.
// A nil emitter becomes Nop.
func Safe(e Emitter) Emitter {
	if e == nil {
		return Nop
	}
	return EmitterFunc(func(env Envelope) {
		defer func() { _ = recover() }()
		e.Emit(env)
	})
}

// Buffered decouples the caller from a slow observer with a bounded queue
// drained by one goroutine. When the queue is full the envelope is dropped and
// counted; Emit never blocks.
type Buffered struct {
	next   Emitter
	ch     chan Envelope
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewBuffered starts the pump goroutine. size < 1 is treated as 1.
func NewBuffered(next Emitter, size int) *Buffered {
	if size < 1 {
		size = 1
	}
	b := &Buffered{
		next: Safe(next),
		ch:   make(chan Envelope, size),
		done: make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *Buffered) pump() {
	defer close(b.done)
	for env := range b.ch {
		b.next.Emit(env)
	}
}

// Emit enqueues env or drops it when the queue is full or closed.
func (b *Buffered) Emit(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		observability.RecordEnvelopeDropped()
		return
	}
	select {
	case b.ch <- env:
	default:
		observability.RecordEnvelopeDropped()
	}
}

// Close stops accepting envelopes and waits until the queue is drained or ctx ends.
func (b *Buffered) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BusEmitter publishes each envelope as a commbus.EnvelopeEmitted event.
type BusEmitter struct {
	bus commbus.CommBus
	ctx context.Context
}

// NewBusEmitter creates a BusEmitter. Publishing uses ctx, so subscribers see
// the lifetime of whoever owns the emitter rather than one run.
func NewBusEmitter(ctx context.Context, bus commbus.CommBus) *BusEmitter {
	return &BusEmitter{bus: bus, ctx: ctx}
}

// Emit implements Emitter.
func (e *BusEmitter) Emit(env Envelope) {
	_ = e.bus.Publish(e.ctx, ToEvent(env))
}

// ToEvent converts an envelope into its bus event form.
func ToEvent(env Envelope) *commbus.EnvelopeEmitted {
	return &commbus.EnvelopeEmitted{
		Protocol:  env.Protocol,
		RequestID: env.RequestID,
		From:      string(env.From),
		To:        string(env.To),
		Type:      env.Type,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}
}

// FromEvent converts a bus event back into an envelope.
func FromEvent(evt *commbus.EnvelopeEmitted) Envelope {
	return Envelope{
		Protocol:  evt.Protocol,
		RequestID: evt.RequestID,
		From:      AgentID(evt.From),
		To:        AgentID(evt.To),
		Type:      evt.Type,
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	}
}
