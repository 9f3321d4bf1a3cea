// Package actor runs one goroutine per live entity. Each actor owns its state
// exclusively: all mutation happens on the consumer goroutine, so handlers
// never need locks. Actors are created lazily on first send, persisted
// periodically while dirty and stopped when idle, under memory pressure or at
// shutdown.
package actor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/udisondev/gamecore/internal/eventbus"
	"github.com/udisondev/gamecore/internal/store"
)

// DrainPolicy controls what happens to messages still queued when an actor
// stops.
type DrainPolicy string

const (
	// DrainProcess runs queued messages to completion before the final save.
	DrainProcess DrainPolicy = "process"
	// DrainReject fails queued asks with ErrActorStopping.
	DrainReject DrainPolicy = "reject"
)

const (
	defaultMailboxCapacity = 1000
	defaultMaxResident     = 5000
	defaultIdleTimeout     = 30 * time.Minute
	defaultMinResidency    = time.Minute
	defaultSaveInterval    = time.Minute
	defaultAskTimeout      = 5 * time.Second

	storeOpTimeout = 10 * time.Second
)

// Options configures a System. Kind, Store, NewState and Handler are
// required; everything else has a usable default.
type Options[S any] struct {
	// Kind namespaces actor ids in storage and logs, e.g. "player".
	Kind string
	// Store persists actor state. Load miss (nil, nil) means a fresh entity.
	Store store.Store[S]
	// NewState builds the initial state for an id the store has never seen.
	NewState func(id int64) *S
	// Handler processes every user message on the actor's own goroutine.
	Handler func(c *Context[S], msg Message) (any, error)
	// OnTick, when set together with TickInterval, runs periodically on each
	// resident actor's goroutine.
	OnTick func(c *Context[S])

	Logger *slog.Logger
	Bus    *eventbus.Bus

	MailboxCapacity int
	MaxResident     int
	HardLimit       int // 0 means 2*MaxResident
	IdleTimeout     time.Duration
	MinResidency    time.Duration
	SaveInterval    time.Duration
	TickInterval    time.Duration
	AskTimeout      time.Duration
	DrainPolicy     DrainPolicy
}

// Stats is a point-in-time snapshot of system counters.
type Stats struct {
	Resident         int
	Spawned          int64
	Stopped          int64
	Evicted          int64
	Panics           int64
	LoadsFailed      int64
	SavesOK          int64
	SavesFailed      int64
	RejectedFull     int64
	RejectedStopping int64
	RejectedOverload int64
}

// System manages all actors of one kind.
type System[S any] struct {
	opts Options[S]
	log  *slog.Logger

	// baseCtx parents every store operation; cancelled when a shutdown
	// deadline expires so in-flight saves abort instead of hanging.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu           sync.Mutex
	actors       map[int64]*actorRef[S]
	shuttingDown bool

	wg sync.WaitGroup

	spawned          atomic.Int64
	stopped          atomic.Int64
	evicted          atomic.Int64
	panics           atomic.Int64
	loadsFailed      atomic.Int64
	savesOK          atomic.Int64
	savesFailed      atomic.Int64
	rejectedFull     atomic.Int64
	rejectedStopping atomic.Int64
	rejectedOverload atomic.Int64
}

func NewSystem[S any](opts Options[S]) (*System[S], error) {
	if opts.Kind == "" {
		return nil, errors.New("actor: kind is required")
	}
	if opts.Store == nil {
		return nil, errors.New("actor: store is required")
	}
	if opts.NewState == nil {
		return nil, errors.New("actor: new state constructor is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("actor: handler is required")
	}

	if opts.MailboxCapacity <= 0 {
		opts.MailboxCapacity = defaultMailboxCapacity
	}
	if opts.MaxResident <= 0 {
		opts.MaxResident = defaultMaxResident
	}
	if opts.HardLimit <= 0 {
		opts.HardLimit = 2 * opts.MaxResident
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.MinResidency <= 0 {
		opts.MinResidency = defaultMinResidency
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = defaultSaveInterval
	}
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = defaultAskTimeout
	}
	if opts.DrainPolicy != DrainReject {
		opts.DrainPolicy = DrainProcess
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &System[S]{
		opts:       opts,
		log:        opts.Logger.With("actor_kind", opts.Kind),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		actors:     make(map[int64]*actorRef[S]),
	}, nil
}

// Run drives periodic maintenance: the save tick flushes dirty actors and
// sweeps idle or excess ones, the game tick fans OnTick out to every
// resident actor. Returns nil when ctx is cancelled.
func (s *System[S]) Run(ctx context.Context) error {
	save := time.NewTicker(s.opts.SaveInterval)
	defer save.Stop()

	var tickC <-chan time.Time
	if s.opts.TickInterval > 0 && s.opts.OnTick != nil {
		tick := time.NewTicker(s.opts.TickInterval)
		defer tick.Stop()
		tickC = tick.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-save.C:
			s.sweep(now)
		case <-tickC:
			s.broadcastTick()
		}
	}
}

// Send enqueues a fire-and-forget message, creating the actor if needed.
func (s *System[S]) Send(id int64, kind string, payload any) error {
	if reservedKind(kind) {
		return ErrReservedKind
	}
	a, err := s.ref(id)
	if err != nil {
		return err
	}
	if err := s.deliver(a, Message{Kind: kind, Payload: payload}); err != nil {
		s.countReject(err)
		return err
	}
	return nil
}

// Ask enqueues a message and blocks until the handler replies or ctx fires.
// Must not be called from inside a handler: two actors asking each other
// would deadlock. Handlers use Context.AskThen instead.
func (s *System[S]) Ask(ctx context.Context, id int64, kind string, payload any) (any, error) {
	if reservedKind(kind) {
		return nil, ErrReservedKind
	}
	a, err := s.ref(id)
	if err != nil {
		return nil, err
	}

	reply := newReply()
	if err := s.deliver(a, Message{Kind: kind, Payload: payload, reply: reply}); err != nil {
		s.countReject(err)
		return nil, err
	}
	return reply.Wait(ctx)
}

// Stop requests a graceful stop of one actor. Reports whether the actor was
// resident. Idempotent.
func (s *System[S]) Stop(id int64) bool {
	s.mu.Lock()
	a, ok := s.actors[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.stopActor(a)
	return true
}

// Shutdown stops every actor and waits for final saves. When ctx expires
// first, in-flight store operations are aborted and the number of actors
// that could not finish cleanly is reported.
func (s *System[S]) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	refs := make([]*actorRef[S], 0, len(s.actors))
	for _, a := range s.actors {
		refs = append(refs, a)
	}
	s.mu.Unlock()

	s.log.Info("actor system stopping", "resident", len(refs))
	for _, a := range refs {
		s.stopActor(a)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		aborted := s.Resident()
		s.cancelBase()
		<-done
		return fmt.Errorf("actor shutdown deadline exceeded: %d actors aborted", aborted)
	}
}

// Resident reports the current number of indexed actors, including ones
// still loading or stopping.
func (s *System[S]) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

func (s *System[S]) Stats() Stats {
	return Stats{
		Resident:         s.Resident(),
		Spawned:          s.spawned.Load(),
		Stopped:          s.stopped.Load(),
		Evicted:          s.evicted.Load(),
		Panics:           s.panics.Load(),
		LoadsFailed:      s.loadsFailed.Load(),
		SavesOK:          s.savesOK.Load(),
		SavesFailed:      s.savesFailed.Load(),
		RejectedFull:     s.rejectedFull.Load(),
		RejectedStopping: s.rejectedStopping.Load(),
		RejectedOverload: s.rejectedOverload.Load(),
	}
}

// ref returns the live actor for id, spawning one when absent. Creation is
// refused above the hard limit and during shutdown.
func (s *System[S]) ref(id int64) (*actorRef[S], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.actors[id]; ok {
		return a, nil
	}
	if s.shuttingDown {
		return nil, ErrShuttingDown
	}
	if len(s.actors) >= s.opts.HardLimit {
		s.rejectedOverload.Add(1)
		s.opts.Bus.SystemOverloaded("actors", s.opts.HardLimit)
		return nil, ErrOverloaded
	}

	a := &actorRef[S]{
		id:        id,
		mailbox:   make(chan Message, s.opts.MailboxCapacity),
		stopCh:    make(chan struct{}),
		createdAt: time.Now(),
	}
	a.touch()
	s.actors[id] = a
	s.spawned.Add(1)

	s.wg.Go(func() {
		s.runActor(a)
	})
	return a, nil
}

func (s *System[S]) removeActor(a *actorRef[S]) {
	s.mu.Lock()
	if cur, ok := s.actors[a.id]; ok && cur == a {
		delete(s.actors, a.id)
	}
	s.mu.Unlock()
}

// stopActor seals the actor: from here on deliver rejects with
// ErrActorStopping and the consumer moves to the drain sequence.
func (s *System[S]) stopActor(a *actorRef[S]) {
	a.stopOnce.Do(func() {
		a.advanceLifecycle(stateStopping)
		close(a.stopCh)
	})
}

func (s *System[S]) countReject(err error) {
	switch {
	case errors.Is(err, ErrMailboxFull):
		s.rejectedFull.Add(1)
	case errors.Is(err, ErrActorStopping):
		s.rejectedStopping.Add(1)
	}
}

type evictCand[S any] struct {
	a    *actorRef[S]
	last int64
}

// sweep runs once per save tick: flush dirty actors, evict ones idle past
// IdleTimeout, and when residency exceeds MaxResident evict the least
// recently active first. MinResidency protects fresh actors from both
// eviction paths.
func (s *System[S]) sweep(now time.Time) {
	s.mu.Lock()
	refs := make([]*actorRef[S], 0, len(s.actors))
	for _, a := range s.actors {
		refs = append(refs, a)
	}
	over := len(s.actors) - s.opts.MaxResident
	s.mu.Unlock()

	cands := make([]evictCand[S], 0, len(refs))
	for _, a := range refs {
		if a.lifecycle() != stateReady {
			continue
		}
		if a.dirty.Load() {
			if err := s.deliver(a, Message{Kind: kindSave}); err != nil {
				s.log.Debug("save tick skipped", "actor_id", a.id, "error", err)
			}
		}

		idleFor := now.Sub(a.lastActiveTime())
		if idleFor > s.opts.IdleTimeout && now.Sub(a.createdAt) > s.opts.MinResidency {
			s.evict(a, "idle", idleFor)
			over--
			continue
		}
		cands = append(cands, evictCand[S]{a: a, last: a.lastActive.Load()})
	}

	if over <= 0 {
		return
	}
	slices.SortFunc(cands, func(x, y evictCand[S]) int {
		return cmp.Compare(x.last, y.last)
	})
	for _, cand := range cands {
		if over <= 0 {
			return
		}
		if now.Sub(cand.a.createdAt) <= s.opts.MinResidency {
			continue
		}
		s.evict(cand.a, "pressure", now.Sub(cand.a.lastActiveTime()))
		over--
	}
}

func (s *System[S]) evict(a *actorRef[S], reason string, idleFor time.Duration) {
	s.evicted.Add(1)
	s.log.Info("actor evicted", "actor_id", a.id, "reason", reason, "idle_for", idleFor)
	s.opts.Bus.ActorEvicted(s.opts.Kind, a.id, reason, idleFor)
	s.stopActor(a)
}

// broadcastTick enqueues the tick on every ready actor. A full mailbox skips
// the tick for that actor; the next one will land.
func (s *System[S]) broadcastTick() {
	s.mu.Lock()
	refs := make([]*actorRef[S], 0, len(s.actors))
	for _, a := range s.actors {
		refs = append(refs, a)
	}
	s.mu.Unlock()

	for _, a := range refs {
		if a.lifecycle() != stateReady {
			continue
		}
		if err := s.deliver(a, Message{Kind: kindTick}); err != nil {
			s.log.Debug("tick skipped", "actor_id", a.id, "error", err)
		}
	}
}

func (s *System[S]) reportPanic(c *Context[S], msgKind string, recovered any) error {
	trace := uuid.NewString()
	c.logger.Error("actor handler panic",
		"msg_kind", msgKind,
		"panic", recovered,
		"trace_id", trace,
		"stack", string(debug.Stack()),
	)
	s.opts.Bus.HandlerPanic(s.opts.Kind, msgKind, recovered, trace)
	return fmt.Errorf("internal actor error (trace %s)", trace)
}
