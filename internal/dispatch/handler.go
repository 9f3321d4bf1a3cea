package dispatch

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/udisondev/gamecore/internal/constants"
	"github.com/udisondev/gamecore/internal/protocol"
)

// RunOn selects the execution lane for a handler.
type RunOn int

const (
	// RunOnCaller runs the handler inline on the connection's read goroutine,
	// so one session's requests are strictly serialized.
	RunOnCaller RunOn = iota

	// RunOnAsync runs the handler on the bounded async pool; the read
	// goroutine moves on to the next frame immediately.
	RunOnAsync

	// RunOnActor asks the session's role actor and parks the read goroutine
	// on the reply.
	RunOnActor
)

func (r RunOn) String() string {
	switch r {
	case RunOnCaller:
		return "caller"
	case RunOnAsync:
		return "async"
	case RunOnActor:
		return "actor"
	default:
		return fmt.Sprintf("runon(%d)", int(r))
	}
}

// Error is a handler failure with an explicit wire code. Handlers return it
// when the failure is part of the contract (bad arguments, a domain
// rejection); any other error becomes CodeInternal and the detail stays
// server-side.
type Error struct {
	Code protocol.Code
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Failf builds a coded handler error.
func Failf(code protocol.Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Stats are per-handler counters, updated lock-free on the hot path.
type Stats struct {
	Count   atomic.Int64
	Errors  atomic.Int64
	TotalNs atomic.Int64
	MaxNs   atomic.Int64
}

func (s *Stats) observe(elapsed time.Duration) {
	ns := elapsed.Nanoseconds()
	s.TotalNs.Add(ns)
	for {
		cur := s.MaxNs.Load()
		if ns <= cur || s.MaxNs.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// StatsSnapshot is a point-in-time copy of one handler's counters.
type StatsSnapshot struct {
	Key     uint32
	Name    string
	Count   int64
	Errors  int64
	TotalNs int64
	MaxNs   int64
}

// Handler describes one (protocolId, methodId) operation.
type Handler struct {
	// Key is protocol.Key(protocolID, methodID) and must be unique within a
	// registry. Protocol 0 is reserved for server pushes.
	Key  uint32
	Name string

	RequireAuth bool
	RequireRole bool

	// RateLimit is requests per second per session; 0 disables the gate.
	RateLimit int

	// SlowThreshold flags runs above it to the event bus; 0 disables.
	SlowThreshold time.Duration

	RunOn RunOn

	// SignExempt skips request signature verification. Set it on the handlers
	// that bootstrap the sign key; everything else verifies when signing is
	// enabled.
	SignExempt bool

	// Decode parses the request body. nil means the body is ignored.
	Decode func(body []byte) (any, error)

	// Invoke runs Caller and Async handlers.
	Invoke func(c *Ctx, req any) (any, error)

	// AskKind is the actor message kind used by RunOnActor handlers.
	AskKind string

	Stats Stats
}

func (h *Handler) validate() error {
	if h.Name == "" {
		return errors.New("handler name is empty")
	}
	if proto, _ := protocol.SplitKey(h.Key); proto == constants.ProtocolCore {
		return fmt.Errorf("key %s is inside the reserved core protocol", protocol.KeyString(h.Key))
	}
	switch h.RunOn {
	case RunOnCaller, RunOnAsync:
		if h.Invoke == nil {
			return errors.New("Invoke is required")
		}
	case RunOnActor:
		if h.AskKind == "" {
			return errors.New("AskKind is required for actor handlers")
		}
		if !h.RequireRole {
			return errors.New("actor handlers need RequireRole: the actor is keyed by role id")
		}
	default:
		return fmt.Errorf("unknown RunOn %d", int(h.RunOn))
	}
	return nil
}

// Registry maps wire keys to handlers. Registration happens during startup;
// afterwards the map is read-only, so lookups take no lock.
type Registry struct {
	handlers map[uint32]*Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint32]*Handler)}
}

// Register adds h. A duplicate key is a wiring bug and fails loudly so the
// process refuses to start.
func (r *Registry) Register(h *Handler) error {
	if err := h.validate(); err != nil {
		return fmt.Errorf("handler %q: %w", h.Name, err)
	}
	if prev, ok := r.handlers[h.Key]; ok {
		return fmt.Errorf("handler %q: key %s already registered to %q",
			h.Name, protocol.KeyString(h.Key), prev.Name)
	}
	r.handlers[h.Key] = h
	return nil
}

// Lookup returns the handler for key, or nil.
func (r *Registry) Lookup(key uint32) *Handler {
	return r.handlers[key]
}

// Handlers returns every registered handler ordered by key.
func (r *Registry) Handlers() []*Handler {
	out := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *Handler) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

// Snapshot dumps per-handler counters for stats endpoints and shutdown logs.
func (r *Registry) Snapshot() []StatsSnapshot {
	handlers := r.Handlers()
	out := make([]StatsSnapshot, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, StatsSnapshot{
			Key:     h.Key,
			Name:    h.Name,
			Count:   h.Stats.Count.Load(),
			Errors:  h.Stats.Errors.Load(),
			TotalNs: h.Stats.TotalNs.Load(),
			MaxNs:   h.Stats.MaxNs.Load(),
		})
	}
	return out
}

// JSONDecoder returns a Decode that unmarshals the body into Req. An empty
// body decodes to the zero value.
func JSONDecoder[Req any]() func(body []byte) (any, error) {
	return func(body []byte) (any, error) {
		req := new(Req)
		if len(body) == 0 {
			return req, nil
		}
		if err := json.Unmarshal(body, req); err != nil {
			return nil, fmt.Errorf("decoding request: %w", err)
		}
		return req, nil
	}
}

// Typed adapts a strongly typed handler func to the registry's Invoke shape.
func Typed[Req any](fn func(c *Ctx, req *Req) (any, error)) func(c *Ctx, req any) (any, error) {
	return func(c *Ctx, req any) (any, error) {
		typed, ok := req.(*Req)
		if !ok {
			return nil, fmt.Errorf("request type %T does not match handler", req)
		}
		return fn(c, typed)
	}
}
