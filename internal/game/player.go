package game

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/udisondev/gamecore/internal/actor"
	"github.com/udisondev/gamecore/internal/dispatch"
	"github.com/udisondev/gamecore/internal/protocol"
)

// Wire keys of the built-in modules. Protocol 0 stays reserved for core
// pushes; auth bootstraps identity, player is the per-role entity surface.
const (
	ProtocolAuth   uint16 = 1
	ProtocolPlayer uint16 = 2

	MethodLogin     uint16 = 1
	MethodReconnect uint16 = 2

	MethodPing    uint16 = 1
	MethodEcho    uint16 = 2
	MethodProfile uint16 = 3
	MethodRename  uint16 = 4
	MethodAddGold uint16 = 5
	MethodWhisper uint16 = 6
	MethodStats   uint16 = 7

	// push-only methods, always sent with seqId 0
	MethodWhisperPush    uint16 = 30
	MethodWhisperReceipt uint16 = 31
	MethodLevelUp        uint16 = 32
)

// actor message kinds of the player entity
const (
	kindPing     = "ping"
	kindProfile  = "profile"
	kindRename   = "rename"
	kindAddGold  = "add_gold"
	kindWhisper  = "whisper"
	kindDeliver  = "deliver_whisper"
	kindSeedName = "seed_name"
)

const (
	minNameRunes    = 2
	maxNameRunes    = 24
	maxWhisperRunes = 256
	expPerTick      = 1
)

// PlayerState is the persistent per-role entity state. One actor owns one
// PlayerState; every mutation happens on that actor's goroutine.
type PlayerState struct {
	Name          string `json:"name"`
	Level         int    `json:"level"`
	Exp           int64  `json:"exp"`
	Gold          int64  `json:"gold"`
	CreatedAtUnix int64  `json:"created_at_unix"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

func newPlayerState(id int64) *PlayerState {
	now := time.Now().Unix()
	return &PlayerState{
		Level:         1,
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
}

// expToLevel is the exp needed to clear the given level.
func expToLevel(level int) int64 { return int64(level) * 100 }

type PingResp struct {
	PongUnixMs int64 `json:"pong_unix_ms"`
	Level      int   `json:"level"`
}

type ProfileResp struct {
	RoleID        int64  `json:"role_id"`
	Name          string `json:"name"`
	Level         int    `json:"level"`
	Exp           int64  `json:"exp"`
	Gold          int64  `json:"gold"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

type RenameReq struct {
	Name string `json:"name"`
}

type AddGoldReq struct {
	Amount int64 `json:"amount"`
}

type AddGoldResp struct {
	Gold int64 `json:"gold"`
}

type WhisperReq struct {
	To   int64  `json:"to"`
	Text string `json:"text"`
}

type WhisperResp struct {
	Queued bool `json:"queued"`
}

// WhisperPush lands on the recipient with seqId 0.
type WhisperPush struct {
	From     int64  `json:"from"`
	FromName string `json:"from_name"`
	Text     string `json:"text"`
}

// WhisperReceipt lands on the sender once the recipient's actor accepted or
// refused the delivery.
type WhisperReceipt struct {
	To        int64 `json:"to"`
	Delivered bool  `json:"delivered"`
}

type LevelUpPush struct {
	Level int `json:"level"`
}

// whisperDelivery travels between player actors, never over the wire.
type whisperDelivery struct {
	From     int64
	FromName string
	Text     string
}

// handlePlayer is the single consumer of one player's state.
func (m *Module) handlePlayer(c *actor.Context[PlayerState], msg actor.Message) (any, error) {
	st := c.State()
	switch msg.Kind {
	case kindPing:
		return &PingResp{PongUnixMs: time.Now().UnixMilli(), Level: st.Level}, nil

	case kindProfile:
		return m.profileOf(c.ID(), st), nil

	case kindSeedName:
		// first login: the account name becomes the player name
		name, _ := msg.Payload.(string)
		if st.Name == "" && name != "" {
			st.Name = name
			st.UpdatedAtUnix = time.Now().Unix()
			c.MarkDirty()
		}
		return nil, nil

	case kindRename:
		req, ok := msg.Payload.(*RenameReq)
		if !ok {
			return nil, fmt.Errorf("rename: unexpected payload %T", msg.Payload)
		}
		if err := validateName(req.Name); err != nil {
			return nil, err
		}
		st.Name = req.Name
		st.UpdatedAtUnix = time.Now().Unix()
		c.MarkDirty()
		return m.profileOf(c.ID(), st), nil

	case kindAddGold:
		req, ok := msg.Payload.(*AddGoldReq)
		if !ok {
			return nil, fmt.Errorf("add_gold: unexpected payload %T", msg.Payload)
		}
		if req.Amount <= 0 {
			return nil, dispatch.Failf(protocol.CodeBadRequest, "amount must be positive")
		}
		st.Gold += req.Amount
		st.UpdatedAtUnix = time.Now().Unix()
		c.MarkDirty()
		return &AddGoldResp{Gold: st.Gold}, nil

	case kindWhisper:
		req, ok := msg.Payload.(*WhisperReq)
		if !ok {
			return nil, fmt.Errorf("whisper: unexpected payload %T", msg.Payload)
		}
		return m.whisper(c, req)

	case kindDeliver:
		d, ok := msg.Payload.(*whisperDelivery)
		if !ok {
			return nil, fmt.Errorf("deliver_whisper: unexpected payload %T", msg.Payload)
		}
		if err := m.pushRole(c.ID(), MethodWhisperPush, &WhisperPush{From: d.From, FromName: d.FromName, Text: d.Text}); err != nil {
			return nil, fmt.Errorf("pushing whisper to role %d: %w", c.ID(), err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown message kind %q", msg.Kind)
	}
}

// whisper queues a cross-actor delivery and completes immediately; the
// sender learns the outcome from a receipt push once the recipient's actor
// has processed the delivery.
func (m *Module) whisper(c *actor.Context[PlayerState], req *WhisperReq) (any, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" || utf8.RuneCountInString(text) > maxWhisperRunes {
		return nil, dispatch.Failf(protocol.CodeBadRequest, "whisper text must be 1..%d characters", maxWhisperRunes)
	}
	if req.To == c.ID() {
		return nil, dispatch.Failf(protocol.CodeBadRequest, "cannot whisper yourself")
	}

	to := req.To
	del := &whisperDelivery{From: c.ID(), FromName: c.State().Name, Text: text}
	err := c.AskThen(to, kindDeliver, del, func(c *actor.Context[PlayerState], _ any, err error) {
		receipt := &WhisperReceipt{To: to, Delivered: err == nil}
		if perr := m.pushRole(c.ID(), MethodWhisperReceipt, receipt); perr != nil {
			c.Logger().Debug("whisper receipt undelivered", "to", to, "error", perr)
		}
	})
	if err != nil {
		return nil, err
	}
	return &WhisperResp{Queued: true}, nil
}

// tickPlayer trickles exp into every resident player; thresholds convert
// into levels.
func (m *Module) tickPlayer(c *actor.Context[PlayerState]) {
	st := c.State()
	st.Exp += expPerTick
	for st.Exp >= expToLevel(st.Level) {
		st.Exp -= expToLevel(st.Level)
		st.Level++
		if err := m.pushRole(c.ID(), MethodLevelUp, &LevelUpPush{Level: st.Level}); err != nil {
			c.Logger().Debug("level-up push undelivered", "error", err)
		}
	}
	st.UpdatedAtUnix = time.Now().Unix()
	c.MarkDirty()
}

func (m *Module) profileOf(id int64, st *PlayerState) *ProfileResp {
	return &ProfileResp{
		RoleID:        id,
		Name:          st.Name,
		Level:         st.Level,
		Exp:           st.Exp,
		Gold:          st.Gold,
		CreatedAtUnix: st.CreatedAtUnix,
	}
}

func validateName(name string) error {
	if strings.TrimSpace(name) != name {
		return dispatch.Failf(protocol.CodeBadRequest, "name must not start or end with whitespace")
	}
	if n := utf8.RuneCountInString(name); n < minNameRunes || n > maxNameRunes {
		return dispatch.Failf(protocol.CodeBadRequest, "name must be %d..%d characters", minNameRunes, maxNameRunes)
	}
	return nil
}
