package actor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors returned by Send/Ask and carried to queued asks when an
// actor dies with messages still buffered.
var (
	ErrMailboxFull   = errors.New("actor mailbox full")
	ErrActorStopping = errors.New("actor stopping")
	ErrLoadFailed    = errors.New("actor state load failed")
	ErrOverloaded    = errors.New("actor system overloaded")
	ErrShuttingDown  = errors.New("actor system shutting down")
	ErrReservedKind  = errors.New("reserved message kind")
)

// Reserved message kinds. The runtime owns the "@" prefix; user sends with it
// are rejected with ErrReservedKind.
const (
	kindLoad     = "@load"
	kindSave     = "@save"
	kindStop     = "@stop"
	kindTick     = "@tick"
	kindContinue = "@continue"
)

func reservedKind(kind string) bool {
	return strings.HasPrefix(kind, "@")
}

// Actor lifecycle. Transitions only move forward.
const (
	stateNew int32 = iota
	stateLoading
	stateReady
	stateStopping
	stateStopped
)

// Message is one mailbox entry. Handlers receive Kind and Payload; the reply
// sink is runtime-internal and fulfilled from the handler's return values.
type Message struct {
	Kind    string
	Payload any

	reply *Reply
}

// continuation carries an ask result back onto the origin actor's mailbox.
type continuation[S any] struct {
	fn  func(c *Context[S], v any, err error)
	v   any
	err error
}

// Reply is a one-shot sink. The producing actor completes it at most once;
// the waiter abandons it on deadline, after which a completion is dropped.
type Reply struct {
	done      chan struct{}
	value     any
	err       error
	completed atomic.Bool
	abandoned atomic.Bool
}

func newReply() *Reply {
	return &Reply{done: make(chan struct{})}
}

// complete fulfils the sink. Reports whether a waiter can still observe the
// result.
func (r *Reply) complete(v any, err error) bool {
	if !r.completed.CompareAndSwap(false, true) {
		return false
	}
	r.value = v
	r.err = err
	close(r.done)
	return !r.abandoned.Load()
}

// Wait blocks until the sink is completed or ctx fires. On ctx expiry the
// sink is marked abandoned so a late completion is discarded, except when the
// completion raced the expiry, in which case the result wins.
func (r *Reply) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		r.abandoned.Store(true)
		select {
		case <-r.done:
			return r.value, r.err
		default:
		}
		return nil, ctx.Err()
	}
}

// actorRef is the per-actor record. The state pointer and handler execution
// belong exclusively to the consumer goroutine; everything senders touch is
// behind sendMu or atomic.
type actorRef[S any] struct {
	id        int64
	mailbox   chan Message
	createdAt time.Time

	// sendMu pairs the lifecycle check with the mailbox enqueue so no send
	// can slip in once the consumer flips to Stopping.
	sendMu sync.RWMutex
	state  atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}

	dirty      atomic.Bool
	lastActive atomic.Int64 // unix nanos

	st *S // consumer goroutine only
}

func (a *actorRef[S]) lifecycle() int32 { return a.state.Load() }

func (a *actorRef[S]) touch() { a.lastActive.Store(time.Now().UnixNano()) }

func (a *actorRef[S]) lastActiveTime() time.Time {
	return time.Unix(0, a.lastActive.Load())
}

// advanceLifecycle moves the state forward under the send lock so in-flight
// enqueues finish before senders observe the new state. Transitions never go
// backwards: a stop requested mid-load wins over the later Ready flip.
func (a *actorRef[S]) advanceLifecycle(st int32) {
	a.sendMu.Lock()
	if st > a.state.Load() {
		a.state.Store(st)
	}
	a.sendMu.Unlock()
}

// deliver enqueues if the actor still accepts messages. System kinds do not
// count as activity, otherwise maintenance traffic would defeat idle eviction.
func (s *System[S]) deliver(a *actorRef[S], msg Message) error {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()

	if a.lifecycle() >= stateStopping {
		return ErrActorStopping
	}
	select {
	case a.mailbox <- msg:
		if !reservedKind(msg.Kind) || msg.Kind == kindContinue {
			a.touch()
		}
		return nil
	default:
		return ErrMailboxFull
	}
}

// runActor is the single consumer: load first, then drain the mailbox one
// message at a time until stopped. The stop signal is checked before every
// dequeue so that once Stop returns, no queued message is handled outside
// the drain policy.
func (s *System[S]) runActor(a *actorRef[S]) {
	c := &Context[S]{
		sys:    s,
		act:    a,
		logger: s.log.With("actor_id", a.id),
	}

	select {
	case <-a.stopCh:
		s.finishStop(a, c)
		return
	default:
	}

	if !s.handleLoad(a, c) {
		s.finishLoadFailed(a, c)
		return
	}

	for {
		select {
		case <-a.stopCh:
			s.finishStop(a, c)
			return
		default:
		}

		select {
		case msg := <-a.mailbox:
			s.dispatchMessage(a, c, msg)
		case <-a.stopCh:
			s.finishStop(a, c)
			return
		}
	}
}

func (s *System[S]) dispatchMessage(a *actorRef[S], c *Context[S], msg Message) {
	switch msg.Kind {
	case kindLoad:
		// load already ran at goroutine start
	case kindSave:
		s.handleSave(a, c, false)
	case kindTick:
		s.handleTick(a, c)
	case kindContinue:
		s.handleContinuation(a, c, msg)
	default:
		s.handleUser(a, c, msg)
	}
}

// handleLoad resolves the initial state. A store miss means a fresh entity;
// a store error is terminal for this incarnation.
func (s *System[S]) handleLoad(a *actorRef[S], c *Context[S]) bool {
	a.advanceLifecycle(stateLoading)

	ctx, cancel := context.WithTimeout(s.baseCtx, storeOpTimeout)
	defer cancel()

	st, err := s.opts.Store.Load(ctx, s.opts.Kind, a.id)
	if err != nil {
		s.loadsFailed.Add(1)
		c.logger.Error("actor state load failed", "actor_kind", s.opts.Kind, "error", err)
		return false
	}
	if st == nil {
		st = s.opts.NewState(a.id)
	}
	a.st = st
	a.advanceLifecycle(stateReady)
	return true
}

func (s *System[S]) handleUser(a *actorRef[S], c *Context[S], msg Message) {
	resp, err := s.safeInvoke(a, c, msg)
	a.touch()

	if msg.reply != nil {
		msg.reply.complete(resp, err)
		return
	}
	if err != nil {
		c.logger.Warn("actor message failed", "msg_kind", msg.Kind, "error", err)
	}
}

// safeInvoke contains handler panics: the actor survives, state keeps any
// partial mutation, dirty is left as the handler set it.
func (s *System[S]) safeInvoke(a *actorRef[S], c *Context[S], msg Message) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = s.reportPanic(c, msg.Kind, r)
		}
	}()
	return s.opts.Handler(c, msg)
}

func (s *System[S]) handleTick(a *actorRef[S], c *Context[S]) {
	if s.opts.OnTick == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			_ = s.reportPanic(c, kindTick, r)
		}
	}()
	s.opts.OnTick(c)
}

func (s *System[S]) handleContinuation(a *actorRef[S], c *Context[S], msg Message) {
	cont, ok := msg.Payload.(continuation[S])
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			_ = s.reportPanic(c, kindContinue, r)
		}
	}()
	cont.fn(c, cont.v, cont.err)
}

// handleSave flushes state. On failure the actor stays dirty and the next
// flush tick retries.
func (s *System[S]) handleSave(a *actorRef[S], c *Context[S], final bool) {
	if a.st == nil {
		return
	}
	if !final && !a.dirty.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, storeOpTimeout)
	defer cancel()

	if err := s.opts.Store.Save(ctx, s.opts.Kind, a.id, a.st); err != nil {
		s.savesFailed.Add(1)
		c.logger.Error("actor state save failed", "actor_kind", s.opts.Kind, "error", err)
		s.opts.Bus.SaveFailed(s.opts.Kind, a.id, err)
		return
	}
	s.savesOK.Add(1)
	a.dirty.Store(false)
}

// finishStop runs the stop sequence: drain the sealed mailbox per policy,
// save once if state was ever loaded, then drop the index entry.
func (s *System[S]) finishStop(a *actorRef[S], c *Context[S]) {
	a.advanceLifecycle(stateStopping)
	loaded := a.st != nil

	s.drainMailbox(a, c, loaded && s.opts.DrainPolicy == DrainProcess, ErrActorStopping)

	if loaded {
		s.handleSave(a, c, true)
	}

	a.advanceLifecycle(stateStopped)
	s.removeActor(a)
	s.stopped.Add(1)
}

// finishLoadFailed rejects everything queued behind the failed load. The
// index entry is dropped so the next send creates a fresh incarnation.
func (s *System[S]) finishLoadFailed(a *actorRef[S], c *Context[S]) {
	a.advanceLifecycle(stateStopping)
	s.drainMailbox(a, c, false, ErrLoadFailed)
	a.advanceLifecycle(stateStopped)
	s.removeActor(a)
	s.stopped.Add(1)
}

// drainMailbox empties a sealed mailbox. No new messages can arrive once the
// actor is Stopping, so hitting the default case means empty for good.
func (s *System[S]) drainMailbox(a *actorRef[S], c *Context[S], process bool, rejectErr error) {
	for {
		select {
		case msg := <-a.mailbox:
			if process {
				s.dispatchMessage(a, c, msg)
			} else if msg.reply != nil {
				msg.reply.complete(nil, rejectErr)
			}
		default:
			return
		}
	}
}
