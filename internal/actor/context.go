package actor

import (
	"context"
	"log/slog"
)

// Context is the handler's view of its own actor. It is only valid on the
// actor's goroutine, for the duration of the callback it was passed to.
type Context[S any] struct {
	sys    *System[S]
	act    *actorRef[S]
	logger *slog.Logger
}

func (c *Context[S]) ID() int64 { return c.act.id }

func (c *Context[S]) Kind() string { return c.sys.opts.Kind }

// State returns the actor's state. The handler may mutate it freely; call
// MarkDirty afterwards or the mutation will not be persisted.
func (c *Context[S]) State() *S { return c.act.st }

// MarkDirty schedules the state for the next periodic flush and for the
// final save on stop.
func (c *Context[S]) MarkDirty() { c.act.dirty.Store(true) }

func (c *Context[S]) Logger() *slog.Logger { return c.logger }

// Send delivers a fire-and-forget message to another actor of the same kind.
// Safe to call from a handler; sending to self works and lands behind the
// current message.
func (c *Context[S]) Send(id int64, kind string, payload any) error {
	return c.sys.Send(id, kind, payload)
}

// Stop requests a graceful stop of another actor of the same kind.
func (c *Context[S]) Stop(id int64) bool {
	return c.sys.Stop(id)
}

// AskThen asks another actor without blocking the caller. The current
// message completes normally; once the target replies or the ask times out,
// then is run back on this actor's goroutine like any other message, with
// whatever state the actor has at that point. If this actor is stopping or
// its mailbox is full when the reply arrives, the continuation is dropped.
func (c *Context[S]) AskThen(id int64, kind string, payload any, then func(c *Context[S], v any, err error)) error {
	if reservedKind(kind) {
		return ErrReservedKind
	}
	target, err := c.sys.ref(id)
	if err != nil {
		return err
	}

	reply := newReply()
	if err := c.sys.deliver(target, Message{Kind: kind, Payload: payload, reply: reply}); err != nil {
		c.sys.countReject(err)
		return err
	}

	origin := c.act
	sys := c.sys
	sys.wg.Go(func() {
		wctx, cancel := context.WithTimeout(sys.baseCtx, sys.opts.AskTimeout)
		defer cancel()

		v, werr := reply.Wait(wctx)
		msg := Message{Kind: kindContinue, Payload: continuation[S]{fn: then, v: v, err: werr}}
		if derr := sys.deliver(origin, msg); derr != nil {
			sys.log.Debug("continuation dropped", "actor_id", origin.id, "error", derr)
		}
	})
	return nil
}
