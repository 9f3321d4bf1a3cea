// Package dispatch routes decoded frames to registered handlers. Each request
// passes the auth, role, rate and signature gates, decodes, runs on its lane
// (caller, async pool or actor ask) and comes back as an envelope reply
// carrying the request's seqId. The dispatcher never writes to the socket
// directly; replies go through the session manager's push path.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/udisondev/gamecore/internal/actor"
	"github.com/udisondev/gamecore/internal/eventbus"
	"github.com/udisondev/gamecore/internal/protocol"
	"github.com/udisondev/gamecore/internal/session"
)

const (
	defaultTimeout       = 5 * time.Second
	defaultAsyncWorkers  = 256
	defaultSignTolerance = 30 * time.Second

	// limiterCacheSize bounds the per-(session, handler) limiter map. Evicted
	// entries simply restart with a full burst on the next request.
	limiterCacheSize = 16384

	// unknownKeyCacheSize bounds the once-per-key logging of bad keys.
	unknownKeyCacheSize = 1024
)

// ActorAsker is the slice of the actor runtime the dispatcher needs.
// Narrowed to an interface to keep the dispatcher testable without a live
// actor system.
type ActorAsker interface {
	Ask(ctx context.Context, id int64, kind string, payload any) (any, error)
}

// Ctx carries one request through the gates and into its handler.
type Ctx struct {
	Ctx     context.Context
	Session *session.Session
	SeqID   uint32
	Key     uint32
	Log     *slog.Logger

	resumed *session.Session
}

// ResumeAs tells the pipeline the connection now belongs to s: the reply to
// this request goes to s and Dispatch returns s so the read loop swaps its
// session. Resume handlers call it after session.Manager.ResumeFrom. Only
// honored on the caller lane; async and actor replies stay on the original
// session.
func (c *Ctx) ResumeAs(s *session.Session) { c.resumed = s }

type Options struct {
	Registry *Registry
	Sessions *session.Manager
	// Actors may be nil when the registry holds no actor handlers.
	Actors ActorAsker
	Bus    *eventbus.Bus
	Logger *slog.Logger

	// BaseContext bounds async handler runs; Background when nil.
	BaseContext context.Context

	// Timeout is the per-request deadline (default: 5s).
	Timeout time.Duration

	// AsyncWorkers bounds concurrently running RunOnAsync handlers.
	AsyncWorkers int

	SignEnabled   bool
	SignTolerance time.Duration
}

// Dispatcher is the per-request pipeline. One instance serves every
// connection; all state it keeps is either read-only after construction or
// behind its own synchronization.
type Dispatcher struct {
	reg      *Registry
	sessions *session.Manager
	actors   ActorAsker
	bus      *eventbus.Bus
	log      *slog.Logger

	baseCtx  context.Context
	timeout  time.Duration
	asyncSem *semaphore.Weighted

	signEnabled   bool
	signTolerance time.Duration

	limiters    *lru.Cache[limiterKey, *rate.Limiter]
	unknownKeys *lru.Cache[uint32, struct{}]
}

type limiterKey struct {
	session uint64
	key     uint32
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("dispatch: Registry is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("dispatch: Sessions is required")
	}
	if opts.Actors == nil {
		for _, h := range opts.Registry.Handlers() {
			if h.RunOn == RunOnActor {
				return nil, fmt.Errorf("dispatch: handler %q needs an actor system", h.Name)
			}
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.AsyncWorkers <= 0 {
		opts.AsyncWorkers = defaultAsyncWorkers
	}
	if opts.SignTolerance <= 0 {
		opts.SignTolerance = defaultSignTolerance
	}

	limiters, err := lru.New[limiterKey, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building limiter cache: %w", err)
	}
	unknownKeys, err := lru.New[uint32, struct{}](unknownKeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building unknown-key cache: %w", err)
	}

	return &Dispatcher{
		reg:           opts.Registry,
		sessions:      opts.Sessions,
		actors:        opts.Actors,
		bus:           opts.Bus,
		log:           opts.Logger,
		baseCtx:       opts.BaseContext,
		timeout:       opts.Timeout,
		asyncSem:      semaphore.NewWeighted(int64(opts.AsyncWorkers)),
		signEnabled:   opts.SignEnabled,
		signTolerance: opts.SignTolerance,
		limiters:      limiters,
		unknownKeys:   unknownKeys,
	}, nil
}

// Dispatch runs one request through the pipeline. Every outcome, success or
// failure, becomes an envelope reply pushed to the session with the request's
// seqId; the read loop never sees handler errors. The returned session is the
// one the connection continues as: normally s, but a resume handler swaps the
// conn onto an existing session via Ctx.ResumeAs.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, req protocol.Message) *session.Session {
	h := d.reg.Lookup(req.Key())
	if h == nil {
		d.noteUnknownKey(req)
		d.reply(s, req, protocol.CodeUnknownProtocol, "unknown protocol", nil)
		return s
	}

	h.Stats.Count.Add(1)

	if code, msg := d.gate(s, h, &req); code != protocol.CodeOK {
		h.Stats.Errors.Add(1)
		d.reply(s, req, code, msg, nil)
		return s
	}

	var decoded any
	if h.Decode != nil {
		v, err := h.Decode(req.Body)
		if err != nil {
			h.Stats.Errors.Add(1)
			d.log.Debug("request decode failed",
				"handler", h.Name, "session_id", s.ID(), "error", err)
			d.reply(s, req, protocol.CodeBadRequest, "malformed request", nil)
			return s
		}
		decoded = v
	}

	if h.RunOn == RunOnAsync {
		if !d.asyncSem.TryAcquire(1) {
			h.Stats.Errors.Add(1)
			d.reply(s, req, protocol.CodeBusy, "async pool saturated", nil)
			return s
		}
		go func() {
			defer d.asyncSem.Release(1)
			d.execute(d.baseCtx, s, h, req, decoded)
		}()
		return s
	}

	return d.execute(ctx, s, h, req, decoded)
}

// gate applies auth, role, rate and signature checks in order. On signature
// success the sign prefix is stripped from req.Body in place, so decode sees
// the bare payload.
func (d *Dispatcher) gate(s *session.Session, h *Handler, req *protocol.Message) (protocol.Code, string) {
	if h.RequireAuth && !s.Authenticated() {
		return protocol.CodeUnauthorized, "authentication required"
	}
	if h.RequireRole && s.RoleID() == 0 {
		return protocol.CodeRoleNotSelected, "no role selected"
	}
	if h.RateLimit > 0 && !d.allow(s.ID(), h) {
		return protocol.CodeRateLimited, "rate limit exceeded"
	}
	if d.signEnabled && !h.SignExempt {
		key := s.SignKey()
		if len(key) == 0 {
			return protocol.CodeUnauthorized, "request signing required"
		}
		payload, err := protocol.VerifySigned(key, req.SeqID, req.Key(), req.Body,
			time.Now(), d.signTolerance)
		if err != nil {
			d.log.Warn("request signature rejected",
				"handler", h.Name, "session_id", s.ID(), "error", err)
			return protocol.CodeUnauthorized, "bad request signature"
		}
		req.Body = payload
	}
	return protocol.CodeOK, ""
}

// execute runs the handler on its lane, records stats and pushes the reply.
// Returns the session the reply went to, which differs from s only after a
// successful ResumeAs.
func (d *Dispatcher) execute(ctx context.Context, s *session.Session, h *Handler, req protocol.Message, decoded any) *session.Session {
	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	c := &Ctx{
		Ctx:     runCtx,
		Session: s,
		SeqID:   req.SeqID,
		Key:     req.Key(),
		Log:     d.log.With("handler", h.Name, "session_id", s.ID()),
	}

	started := time.Now()
	var (
		resp any
		err  error
	)
	if h.RunOn == RunOnActor {
		resp, err = d.actors.Ask(runCtx, s.RoleID(), h.AskKind, decoded)
	} else {
		resp, err = d.invoke(c, h, decoded)
	}
	elapsed := time.Since(started)
	h.Stats.observe(elapsed)

	if h.SlowThreshold > 0 && elapsed > h.SlowThreshold {
		trace := uuid.NewString()
		d.log.Warn("slow request",
			"handler", h.Name, "key", protocol.KeyString(h.Key),
			"elapsed", elapsed, "trace_id", trace)
		d.bus.SlowRequest(protocol.KeyString(h.Key), h.Name, elapsed, trace)
	}

	target := s
	if c.resumed != nil {
		target = c.resumed
	}

	code, msg, payload := d.finish(c, err, resp)
	if code != protocol.CodeOK {
		h.Stats.Errors.Add(1)
	}
	d.reply(target, req, code, msg, payload)
	return target
}

// invoke runs Invoke with panic containment. A panic poisons only this
// request; the connection and the process keep going.
func (d *Dispatcher) invoke(c *Ctx, h *Handler, req any) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			trace := uuid.NewString()
			d.log.Error("handler panic",
				"handler", h.Name, "trace_id", trace,
				"panic", r, "stack", string(debug.Stack()))
			d.bus.HandlerPanic(protocol.KeyString(h.Key), h.Name, r, trace)
			err = &Error{Code: protocol.CodeInternal, Msg: fmt.Sprintf("internal error (trace %s)", trace)}
		}
	}()
	return h.Invoke(c, req)
}

// finish maps a handler outcome onto the wire envelope.
func (d *Dispatcher) finish(c *Ctx, err error, resp any) (protocol.Code, string, []byte) {
	if err != nil {
		var coded *Error
		switch {
		case errors.As(err, &coded):
			return coded.Code, coded.Msg, nil
		case errors.Is(err, actor.ErrMailboxFull), errors.Is(err, actor.ErrActorStopping):
			return protocol.CodeBusy, "entity busy", nil
		case errors.Is(err, actor.ErrOverloaded), errors.Is(err, actor.ErrShuttingDown):
			return protocol.CodeOverloaded, "server overloaded", nil
		case errors.Is(err, actor.ErrLoadFailed):
			return protocol.CodeLoadFailed, "state unavailable", nil
		case errors.Is(err, context.DeadlineExceeded):
			return protocol.CodeTimeout, "request timed out", nil
		default:
			trace := uuid.NewString()
			c.Log.Error("handler failed", "trace_id", trace, "error", err)
			return protocol.CodeInternal, fmt.Sprintf("internal error (trace %s)", trace), nil
		}
	}

	switch v := resp.(type) {
	case nil:
		return protocol.CodeOK, "", nil
	case []byte:
		return protocol.CodeOK, "", v
	default:
		payload, merr := json.Marshal(v)
		if merr != nil {
			trace := uuid.NewString()
			c.Log.Error("response encode failed", "trace_id", trace, "error", merr)
			return protocol.CodeInternal, fmt.Sprintf("internal error (trace %s)", trace), nil
		}
		return protocol.CodeOK, "", payload
	}
}

// reply pushes the envelope back under the request's seqId and key.
func (d *Dispatcher) reply(s *session.Session, req protocol.Message, code protocol.Code, msg string, payload []byte) {
	out := protocol.Message{
		SeqID:      req.SeqID,
		ProtocolID: req.ProtocolID,
		MethodID:   req.MethodID,
		Body:       protocol.AppendEnvelope(nil, code, msg, payload),
	}
	if err := d.sessions.PushTo(s, out); err != nil {
		d.log.Debug("reply push failed",
			"session_id", s.ID(), "seq", req.SeqID, "error", err)
	}
}

// allow checks the per-session token bucket for h. Buckets live in a bounded
// LRU; an evicted bucket restarts full, which only ever errs permissive.
func (d *Dispatcher) allow(sessionID uint64, h *Handler) bool {
	k := limiterKey{session: sessionID, key: h.Key}
	lim, ok := d.limiters.Get(k)
	if !ok {
		fresh := rate.NewLimiter(rate.Limit(h.RateLimit), h.RateLimit)
		if prev, found, _ := d.limiters.PeekOrAdd(k, fresh); found {
			lim = prev
		} else {
			lim = fresh
		}
	}
	return lim.Allow()
}

// noteUnknownKey logs each bad key once; a misbehaving client cannot flood
// the log by iterating seqIds.
func (d *Dispatcher) noteUnknownKey(req protocol.Message) {
	known, _ := d.unknownKeys.ContainsOrAdd(req.Key(), struct{}{})
	if !known {
		d.log.Warn("unknown protocol key",
			"key", protocol.KeyString(req.Key()), "seq", req.SeqID)
	}
}
