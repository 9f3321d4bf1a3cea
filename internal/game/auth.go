package game

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/udisondev/gamecore/internal/dispatch"
	"github.com/udisondev/gamecore/internal/protocol"
	"github.com/udisondev/gamecore/internal/session"
	"github.com/udisondev/gamecore/internal/store"
)

type LoginReq struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type LoginResp struct {
	RoleID   int64  `json:"role_id"`
	RoleName string `json:"role_name"`
	ServerID int32  `json:"server_id"`
	// Token resumes this session after a disconnect, within the grace window.
	Token string `json:"token"`
	// SignKey is the hex per-session HMAC key; absent when signing is off.
	SignKey      string `json:"sign_key,omitempty"`
	ServerTimeMs int64  `json:"server_time_ms"`
}

type ReconnectReq struct {
	Token string `json:"token"`
}

type ReconnectResp struct {
	RoleID   int64  `json:"role_id"`
	RoleName string `json:"role_name"`
}

// login verifies credentials, binds the account's role to the session and
// hands the client its reconnect token. A login for a role held by another
// connection displaces that connection.
func (m *Module) login(c *dispatch.Ctx, req *LoginReq) (any, error) {
	if c.Session.Authenticated() {
		return nil, dispatch.Failf(protocol.CodeBadRequest, "already authenticated")
	}
	if req.Login == "" || req.Password == "" {
		return nil, dispatch.Failf(protocol.CodeBadRequest, "login and password are required")
	}

	acc, err := m.accounts.Authenticate(c.Ctx, req.Login, req.Password, c.Session.RemoteAddr())
	if err != nil {
		if errors.Is(err, store.ErrBadCredentials) {
			return nil, dispatch.Failf(protocol.CodeUnauthorized, "bad credentials")
		}
		return nil, fmt.Errorf("authenticating %q: %w", req.Login, err)
	}

	// the account id doubles as the role id
	m.sessions.BindRole(c.Session, acc.ID, acc.ID, acc.Login)

	resp := &LoginResp{
		RoleID:       acc.ID,
		RoleName:     acc.Login,
		ServerID:     c.Session.ServerID(),
		Token:        c.Session.Token(),
		ServerTimeMs: time.Now().UnixMilli(),
	}
	if len(m.signSecret) > 0 {
		key := deriveSignKey(m.signSecret, c.Session.Token())
		c.Session.SetSignKey(key)
		resp.SignKey = hex.EncodeToString(key)
	}

	if err := m.players.Send(acc.ID, kindSeedName, acc.Login); err != nil {
		c.Log.Debug("name seed dropped", "role_id", acc.ID, "error", err)
	}

	m.log.Info("login ok",
		"session_id", c.Session.ID(), "role_id", acc.ID, "login", acc.Login)
	return resp, nil
}

// reconnect resumes the session owning the presented token: the live conn
// moves onto it and the reply to this request already flows through the
// resumed session.
func (m *Module) reconnect(c *dispatch.Ctx, req *ReconnectReq) (any, error) {
	if req.Token == "" {
		return nil, dispatch.Failf(protocol.CodeBadRequest, "token is required")
	}

	resumed, err := m.sessions.ResumeFrom(c.Session, req.Token)
	switch {
	case errors.Is(err, session.ErrUnknownToken), errors.Is(err, session.ErrGraceExpired):
		// one answer for both, so tokens cannot be probed
		return nil, dispatch.Failf(protocol.CodeUnauthorized, "reconnect rejected")
	case err != nil:
		return nil, fmt.Errorf("resuming session: %w", err)
	}

	c.ResumeAs(resumed)
	m.log.Info("reconnect ok",
		"session_id", resumed.ID(), "role_id", resumed.RoleID())
	return &ReconnectResp{RoleID: resumed.RoleID(), RoleName: resumed.RoleName()}, nil
}

// deriveSignKey turns the server secret and a session's reconnect token into
// that session's signing key. Same token, same key: signing survives a
// reconnect without another key exchange.
func deriveSignKey(secret []byte, token string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return mac.Sum(nil)
}
