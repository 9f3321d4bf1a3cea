// Package game is the built-in gameplay surface: account login, session
// resume and one persistent player entity per role. It is small on purpose
// but crosses every core path: the caller, async and actor lanes, dirty
// saves, cross-actor asks and server pushes.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/gamecore/internal/actor"
	"github.com/udisondev/gamecore/internal/config"
	"github.com/udisondev/gamecore/internal/dispatch"
	"github.com/udisondev/gamecore/internal/eventbus"
	"github.com/udisondev/gamecore/internal/protocol"
	"github.com/udisondev/gamecore/internal/session"
	"github.com/udisondev/gamecore/internal/store"
)

const slowThreshold = 500 * time.Millisecond

type Options struct {
	Sessions *session.Manager
	Accounts store.AccountRepository
	Store    store.Store[PlayerState]
	Bus      *eventbus.Bus
	Logger   *slog.Logger

	// Actor tunes the player runtime; zero values fall back to the runtime's
	// defaults.
	Actor config.Actor

	// AuthRequired gates the player protocol behind authentication, per
	// security.auth_required_by_default.
	AuthRequired bool

	// SignSecret derives per-session signing keys. Empty disables the
	// derivation and login responses carry no key.
	SignSecret []byte
}

// Module wires the auth and player protocols to the session manager and the
// player actor runtime.
type Module struct {
	sessions *session.Manager
	accounts store.AccountRepository
	players  *actor.System[PlayerState]
	log      *slog.Logger

	authRequired bool
	signSecret   []byte

	reg *dispatch.Registry
}

func New(opts Options) (*Module, error) {
	if opts.Sessions == nil {
		return nil, errors.New("game: Sessions is required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("game: Accounts is required")
	}
	if opts.Store == nil {
		return nil, errors.New("game: Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Module{
		sessions:     opts.Sessions,
		accounts:     opts.Accounts,
		log:          opts.Logger,
		authRequired: opts.AuthRequired,
		signSecret:   opts.SignSecret,
	}

	players, err := actor.NewSystem(actor.Options[PlayerState]{
		Kind:            "player",
		Store:           opts.Store,
		NewState:        newPlayerState,
		Handler:         m.handlePlayer,
		OnTick:          m.tickPlayer,
		Logger:          opts.Logger,
		Bus:             opts.Bus,
		MailboxCapacity: opts.Actor.MailboxCapacity,
		MaxResident:     opts.Actor.MaxResident,
		HardLimit:       opts.Actor.HardLimit,
		IdleTimeout:     opts.Actor.IdleTimeout,
		MinResidency:    opts.Actor.MinResidency,
		SaveInterval:    opts.Actor.SaveInterval,
		TickInterval:    opts.Actor.TickInterval,
		DrainPolicy:     actor.DrainPolicy(opts.Actor.DrainPolicy),
	})
	if err != nil {
		return nil, fmt.Errorf("building player runtime: %w", err)
	}
	m.players = players
	return m, nil
}

// Players exposes the actor runtime so main can drive its maintenance loop
// and shut it down after the listener stops.
func (m *Module) Players() *actor.System[PlayerState] { return m.players }

// Register installs every auth and player handler into reg. Must run before
// the dispatcher is built.
func (m *Module) Register(reg *dispatch.Registry) error {
	m.reg = reg

	handlers := []*dispatch.Handler{
		{
			Key:        protocol.Key(ProtocolAuth, MethodLogin),
			Name:       "auth.login",
			RateLimit:  5,
			SignExempt: true,
			Decode:     dispatch.JSONDecoder[LoginReq](),
			Invoke:     dispatch.Typed(m.login),
		},
		{
			Key:        protocol.Key(ProtocolAuth, MethodReconnect),
			Name:       "auth.reconnect",
			RateLimit:  5,
			SignExempt: true,
			Decode:     dispatch.JSONDecoder[ReconnectReq](),
			Invoke:     dispatch.Typed(m.reconnect),
		},
		{
			Key:           protocol.Key(ProtocolPlayer, MethodPing),
			Name:          "player.ping",
			RequireAuth:   m.authRequired,
			RequireRole:   true,
			SlowThreshold: slowThreshold,
			RunOn:         dispatch.RunOnActor,
			AskKind:       kindPing,
		},
		{
			Key:           protocol.Key(ProtocolPlayer, MethodEcho),
			Name:          "player.echo",
			RequireAuth:   m.authRequired,
			RateLimit:     10,
			SlowThreshold: slowThreshold,
			RunOn:         dispatch.RunOnAsync,
			Decode:        dispatch.JSONDecoder[EchoReq](),
			Invoke:        dispatch.Typed(m.echo),
		},
		{
			Key:           protocol.Key(ProtocolPlayer, MethodProfile),
			Name:          "player.profile",
			RequireAuth:   m.authRequired,
			RequireRole:   true,
			SlowThreshold: slowThreshold,
			RunOn:         dispatch.RunOnActor,
			AskKind:       kindProfile,
		},
		{
			Key:           protocol.Key(ProtocolPlayer, MethodRename),
			Name:          "player.rename",
			RequireAuth:   m.authRequired,
			RequireRole:   true,
			RateLimit:     2,
			SlowThreshold: slowThreshold,
			RunOn:         dispatch.RunOnActor,
			AskKind:       kindRename,
			Decode:        dispatch.JSONDecoder[RenameReq](),
		},
		{
			Key:           protocol.Key(ProtocolPlayer, MethodAddGold),
			Name:          "player.add_gold",
			RequireAuth:   m.authRequired,
			RequireRole:   true,
			SlowThreshold: slowThreshold,
			RunOn:         dispatch.RunOnActor,
			AskKind:       kindAddGold,
			Decode:        dispatch.JSONDecoder[AddGoldReq](),
		},
		{
			Key:           protocol.Key(ProtocolPlayer, MethodWhisper),
			Name:          "player.whisper",
			RequireAuth:   m.authRequired,
			RequireRole:   true,
			RateLimit:     5,
			SlowThreshold: slowThreshold,
			RunOn:         dispatch.RunOnActor,
			AskKind:       kindWhisper,
			Decode:        dispatch.JSONDecoder[WhisperReq](),
		},
		{
			Key:         protocol.Key(ProtocolPlayer, MethodStats),
			Name:        "player.stats",
			RequireAuth: m.authRequired,
			Invoke:      m.stats,
		},
	}

	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("registering %s: %w", h.Name, err)
		}
	}
	return nil
}

type EchoReq struct {
	Text string `json:"text"`
}

type EchoResp struct {
	Text     string `json:"text"`
	AtUnixMs int64  `json:"at_unix_ms"`
}

// echo runs on the async pool: no entity state, just a round trip off the
// read loop.
func (m *Module) echo(c *dispatch.Ctx, req *EchoReq) (any, error) {
	return &EchoResp{Text: req.Text, AtUnixMs: time.Now().UnixMilli()}, nil
}

type StatsResp struct {
	Sessions session.Stats            `json:"sessions"`
	Players  actor.Stats              `json:"players"`
	Handlers []dispatch.StatsSnapshot `json:"handlers"`
}

// stats reports runtime counters; an ops endpoint rather than gameplay.
func (m *Module) stats(c *dispatch.Ctx, _ any) (any, error) {
	return &StatsResp{
		Sessions: m.sessions.Stats(),
		Players:  m.players.Stats(),
		Handlers: m.reg.Snapshot(),
	}, nil
}

// pushRole delivers a JSON push frame to the role's session, seqId 0.
func (m *Module) pushRole(roleID int64, method uint16, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding push: %w", err)
	}
	return m.sessions.Push(roleID, protocol.Message{
		ProtocolID: ProtocolPlayer,
		MethodID:   method,
		Body:       body,
	})
}
