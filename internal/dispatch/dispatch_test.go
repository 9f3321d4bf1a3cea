package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/udisondev/gamecore/internal/actor"
	"github.com/udisondev/gamecore/internal/eventbus"
	"github.com/udisondev/gamecore/internal/protocol"
	"github.com/udisondev/gamecore/internal/session"
	"github.com/udisondev/gamecore/internal/testutil"
)

type fakeAsker struct {
	fn func(ctx context.Context, id int64, kind string, payload any) (any, error)

	lastID   int64
	lastKind string
	lastReq  any
}

func (f *fakeAsker) Ask(ctx context.Context, id int64, kind string, payload any) (any, error) {
	f.lastID = id
	f.lastKind = kind
	f.lastReq = payload
	return f.fn(ctx, id, kind, payload)
}

type testEnv struct {
	d    *Dispatcher
	mgr  *session.Manager
	sess *session.Session
	conn *testutil.MockConn
}

func newTestEnv(t *testing.T, reg *Registry, mut func(*Options)) *testEnv {
	t.Helper()

	mgr := session.NewManager(session.Options{
		Logger: slog.New(slog.DiscardHandler),
	})
	conn := testutil.NewMockConn()
	sess, err := mgr.Create(conn)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	opts := Options{
		Registry: reg,
		Sessions: mgr,
		Logger:   slog.New(slog.DiscardHandler),
	}
	if mut != nil {
		mut(&opts)
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New dispatcher: %v", err)
	}
	return &testEnv{d: d, mgr: mgr, sess: sess, conn: conn}
}

// awaitReplies waits until at least n frames landed on the session's conn and
// returns them decoded.
func awaitReplies(t *testing.T, conn *testutil.MockConn, n int) []protocol.Message {
	t.Helper()

	var out []protocol.Message
	testutil.WaitForCondition(t, func() bool {
		out = out[:0]
		b := conn.Written()
		for {
			msg, consumed, err := protocol.ParseFrame(b, 0)
			if err != nil || consumed == 0 {
				break
			}
			out = append(out, msg)
			b = b[consumed:]
		}
		return len(out) >= n
	}, 2*time.Second)
	return out
}

func envelopeCode(t *testing.T, msg protocol.Message) (protocol.Code, string, []byte) {
	t.Helper()
	code, emsg, payload, err := protocol.ParseEnvelope(msg.Body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	return code, emsg, payload
}

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text string `json:"text"`
}

func echoHandler(key uint32) *Handler {
	return &Handler{
		Key:    key,
		Name:   "test.echo",
		Decode: JSONDecoder[echoReq](),
		Invoke: Typed(func(c *Ctx, req *echoReq) (any, error) {
			return &echoResp{Text: req.Text}, nil
		}),
	}
}

func TestDispatch_UnknownKey(t *testing.T) {
	env := newTestEnv(t, NewRegistry(), nil)

	req := protocol.Message{SeqID: 77, ProtocolID: 9, MethodID: 9}
	env.d.Dispatch(t.Context(), env.sess, req)

	replies := awaitReplies(t, env.conn, 1)
	if replies[0].SeqID != 77 {
		t.Errorf("reply SeqID = %d, want 77", replies[0].SeqID)
	}
	if replies[0].ProtocolID != 9 || replies[0].MethodID != 9 {
		t.Errorf("reply key = %d/%d, want 9/9", replies[0].ProtocolID, replies[0].MethodID)
	}
	code, _, _ := envelopeCode(t, replies[0])
	if code != protocol.CodeUnknownProtocol {
		t.Errorf("code = %v, want unknown_protocol", code)
	}
}

func TestDispatch_CallerRoundTrip(t *testing.T) {
	reg := NewRegistry()
	h := echoHandler(protocol.Key(2, 2))
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env := newTestEnv(t, reg, nil)

	body, _ := json.Marshal(echoReq{Text: "hello"})
	req := protocol.Message{SeqID: 5, ProtocolID: 2, MethodID: 2, Body: body}
	env.d.Dispatch(t.Context(), env.sess, req)

	replies := awaitReplies(t, env.conn, 1)
	code, _, payload := envelopeCode(t, replies[0])
	if code != protocol.CodeOK {
		t.Fatalf("code = %v, want ok", code)
	}
	var resp echoResp
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("resp.Text = %q, want hello", resp.Text)
	}
	if replies[0].SeqID != 5 {
		t.Errorf("reply SeqID = %d, want 5", replies[0].SeqID)
	}

	if h.Stats.Count.Load() != 1 || h.Stats.Errors.Load() != 0 {
		t.Errorf("stats count/errors = %d/%d, want 1/0",
			h.Stats.Count.Load(), h.Stats.Errors.Load())
	}
}

func TestDispatch_AuthAndRoleGates(t *testing.T) {
	reg := NewRegistry()
	gated := &Handler{
		Key:         protocol.Key(2, 3),
		Name:        "test.gated",
		RequireAuth: true,
		RequireRole: true,
		Invoke: func(c *Ctx, req any) (any, error) {
			return nil, nil
		},
	}
	if err := reg.Register(gated); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env := newTestEnv(t, reg, nil)

	req := protocol.Message{SeqID: 1, ProtocolID: 2, MethodID: 3}

	// Unauthenticated.
	env.d.Dispatch(t.Context(), env.sess, req)
	replies := awaitReplies(t, env.conn, 1)
	if code, _, _ := envelopeCode(t, replies[0]); code != protocol.CodeUnauthorized {
		t.Errorf("unauthenticated code = %v, want unauthorized", code)
	}

	// Authenticated but no role selected.
	env.mgr.Authenticate(env.sess, 7)
	env.d.Dispatch(t.Context(), env.sess, req)
	replies = awaitReplies(t, env.conn, 2)
	if code, _, _ := envelopeCode(t, replies[1]); code != protocol.CodeRoleNotSelected {
		t.Errorf("roleless code = %v, want role_not_selected", code)
	}

	// Role bound.
	env.mgr.BindRole(env.sess, 7, 42, "alice")
	env.d.Dispatch(t.Context(), env.sess, req)
	replies = awaitReplies(t, env.conn, 3)
	if code, _, _ := envelopeCode(t, replies[2]); code != protocol.CodeOK {
		t.Errorf("bound code = %v, want ok", code)
	}

	if got := gated.Stats.Errors.Load(); got != 2 {
		t.Errorf("gate rejections counted as errors = %d, want 2", got)
	}
}

func TestDispatch_RateLimit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := NewRegistry()
		limited := &Handler{
			Key:       protocol.Key(2, 4),
			Name:      "test.limited",
			RateLimit: 3,
			Invoke: func(c *Ctx, req any) (any, error) {
				return nil, nil
			},
		}
		if err := reg.Register(limited); err != nil {
			t.Fatalf("Register: %v", err)
		}
		env := newTestEnv(t, reg, nil)

		req := protocol.Message{ProtocolID: 2, MethodID: 4}
		for seq := range uint32(5) {
			req.SeqID = seq + 1
			env.d.Dispatch(t.Context(), env.sess, req)
		}

		replies := awaitReplies(t, env.conn, 5)
		for i, want := range []protocol.Code{
			protocol.CodeOK, protocol.CodeOK, protocol.CodeOK,
			protocol.CodeRateLimited, protocol.CodeRateLimited,
		} {
			if code, _, _ := envelopeCode(t, replies[i]); code != want {
				t.Errorf("reply %d code = %v, want %v", i, code, want)
			}
		}

		// The bucket refills after a second.
		time.Sleep(time.Second)
		for seq := range uint32(3) {
			req.SeqID = 10 + seq
			env.d.Dispatch(t.Context(), env.sess, req)
		}
		replies = awaitReplies(t, env.conn, 8)
		for i := 5; i < 8; i++ {
			if code, _, _ := envelopeCode(t, replies[i]); code != protocol.CodeOK {
				t.Errorf("post-refill reply %d code = %v, want ok", i, code)
			}
		}

		env.mgr.CloseAll("bye")
	})
}

func TestDispatch_SignatureGate(t *testing.T) {
	reg := NewRegistry()
	h := echoHandler(protocol.Key(2, 2))
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	open := &Handler{
		Key:        protocol.Key(1, 1),
		Name:       "test.open",
		SignExempt: true,
		Invoke: func(c *Ctx, req any) (any, error) {
			return nil, nil
		},
	}
	if err := reg.Register(open); err != nil {
		t.Fatalf("Register open: %v", err)
	}
	env := newTestEnv(t, reg, func(o *Options) {
		o.SignEnabled = true
		o.SignTolerance = 30 * time.Second
	})

	// No key on the session yet: signed handlers reject, exempt ones pass.
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 1, ProtocolID: 2, MethodID: 2})
	replies := awaitReplies(t, env.conn, 1)
	if code, _, _ := envelopeCode(t, replies[0]); code != protocol.CodeUnauthorized {
		t.Errorf("keyless code = %v, want unauthorized", code)
	}
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 2, ProtocolID: 1, MethodID: 1})
	replies = awaitReplies(t, env.conn, 2)
	if code, _, _ := envelopeCode(t, replies[1]); code != protocol.CodeOK {
		t.Errorf("exempt code = %v, want ok", code)
	}

	key := []byte("0123456789abcdef0123456789abcdef")
	env.sess.SetSignKey(key)
	payload, _ := json.Marshal(echoReq{Text: "signed"})
	msgKey := protocol.Key(2, 2)

	// Correctly signed request round-trips.
	body := protocol.AppendSigned(nil, key, 3, msgKey, time.Now().Unix(), payload)
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 3, ProtocolID: 2, MethodID: 2, Body: body})
	replies = awaitReplies(t, env.conn, 3)
	code, _, respPayload := envelopeCode(t, replies[2])
	if code != protocol.CodeOK {
		t.Fatalf("signed code = %v, want ok", code)
	}
	var resp echoResp
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if resp.Text != "signed" {
		t.Errorf("resp.Text = %q, want signed", resp.Text)
	}

	// Tampered MAC.
	bad := protocol.AppendSigned(nil, key, 4, msgKey, time.Now().Unix(), payload)
	bad[10] ^= 0xFF
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 4, ProtocolID: 2, MethodID: 2, Body: bad})
	replies = awaitReplies(t, env.conn, 4)
	if code, _, _ := envelopeCode(t, replies[3]); code != protocol.CodeUnauthorized {
		t.Errorf("tampered code = %v, want unauthorized", code)
	}

	// Stale timestamp.
	stale := protocol.AppendSigned(nil, key, 5, msgKey, time.Now().Add(-2*time.Minute).Unix(), payload)
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 5, ProtocolID: 2, MethodID: 2, Body: stale})
	replies = awaitReplies(t, env.conn, 5)
	if code, _, _ := envelopeCode(t, replies[4]); code != protocol.CodeUnauthorized {
		t.Errorf("stale code = %v, want unauthorized", code)
	}
}

func TestDispatch_ActorLane(t *testing.T) {
	asker := &fakeAsker{}
	reg := NewRegistry()
	h := &Handler{
		Key:         protocol.Key(2, 5),
		Name:        "test.actor",
		RequireAuth: true,
		RequireRole: true,
		RunOn:       RunOnActor,
		AskKind:     "poke",
		Decode:      JSONDecoder[echoReq](),
	}
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env := newTestEnv(t, reg, func(o *Options) { o.Actors = asker })
	env.mgr.BindRole(env.sess, 7, 42, "alice")

	asker.fn = func(ctx context.Context, id int64, kind string, payload any) (any, error) {
		return &echoResp{Text: "from actor"}, nil
	}
	body, _ := json.Marshal(echoReq{Text: "in"})
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 1, ProtocolID: 2, MethodID: 5, Body: body})

	replies := awaitReplies(t, env.conn, 1)
	code, _, payload := envelopeCode(t, replies[0])
	if code != protocol.CodeOK {
		t.Fatalf("code = %v, want ok", code)
	}
	var resp echoResp
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if resp.Text != "from actor" {
		t.Errorf("resp.Text = %q, want 'from actor'", resp.Text)
	}

	if asker.lastID != 42 {
		t.Errorf("asked actor id = %d, want the bound role 42", asker.lastID)
	}
	if asker.lastKind != "poke" {
		t.Errorf("asked kind = %q, want poke", asker.lastKind)
	}
	if decoded, ok := asker.lastReq.(*echoReq); !ok || decoded.Text != "in" {
		t.Errorf("asked payload = %#v, want decoded echoReq", asker.lastReq)
	}
}

func TestDispatch_ActorErrorMapping(t *testing.T) {
	asker := &fakeAsker{}
	reg := NewRegistry()
	h := &Handler{
		Key:         protocol.Key(2, 5),
		Name:        "test.actor",
		RequireAuth: true,
		RequireRole: true,
		RunOn:       RunOnActor,
		AskKind:     "poke",
	}
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env := newTestEnv(t, reg, func(o *Options) { o.Actors = asker })
	env.mgr.BindRole(env.sess, 7, 42, "alice")

	cases := []struct {
		err  error
		want protocol.Code
	}{
		{actor.ErrMailboxFull, protocol.CodeBusy},
		{actor.ErrActorStopping, protocol.CodeBusy},
		{actor.ErrOverloaded, protocol.CodeOverloaded},
		{actor.ErrShuttingDown, protocol.CodeOverloaded},
		{actor.ErrLoadFailed, protocol.CodeLoadFailed},
		{context.DeadlineExceeded, protocol.CodeTimeout},
	}

	for i, tc := range cases {
		asker.fn = func(ctx context.Context, id int64, kind string, payload any) (any, error) {
			return nil, tc.err
		}
		env.d.Dispatch(t.Context(), env.sess,
			protocol.Message{SeqID: uint32(i + 1), ProtocolID: 2, MethodID: 5})
	}

	replies := awaitReplies(t, env.conn, len(cases))
	for i, tc := range cases {
		if code, _, _ := envelopeCode(t, replies[i]); code != tc.want {
			t.Errorf("%v mapped to %v, want %v", tc.err, code, tc.want)
		}
	}
}

func TestDispatch_AsyncSaturation(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	reg := NewRegistry()
	slow := &Handler{
		Key:   protocol.Key(2, 6),
		Name:  "test.async",
		RunOn: RunOnAsync,
		Invoke: func(c *Ctx, req any) (any, error) {
			entered <- struct{}{}
			<-release
			return nil, nil
		},
	}
	if err := reg.Register(slow); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env := newTestEnv(t, reg, func(o *Options) { o.AsyncWorkers = 1 })

	// First request occupies the only worker.
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 1, ProtocolID: 2, MethodID: 6})
	<-entered

	// Second is rejected immediately.
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 2, ProtocolID: 2, MethodID: 6})
	replies := awaitReplies(t, env.conn, 1)
	if code, _, _ := envelopeCode(t, replies[0]); code != protocol.CodeBusy {
		t.Errorf("saturated code = %v, want busy", code)
	}
	if replies[0].SeqID != 2 {
		t.Errorf("busy reply SeqID = %d, want 2", replies[0].SeqID)
	}

	// Releasing the worker lets the first request finish.
	close(release)
	replies = awaitReplies(t, env.conn, 2)
	var okSeen bool
	for _, r := range replies {
		if code, _, _ := envelopeCode(t, r); code == protocol.CodeOK && r.SeqID == 1 {
			okSeen = true
		}
	}
	if !okSeen {
		t.Error("first async request never completed")
	}
}

func TestDispatch_PanicContained(t *testing.T) {
	bus := eventbus.New(slog.New(slog.DiscardHandler))
	defer bus.Close()
	alerts, err := bus.Subscribe(t.Context(), eventbus.TopicAlerts)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	reg := NewRegistry()
	bad := &Handler{
		Key:  protocol.Key(2, 7),
		Name: "test.panics",
		Invoke: func(c *Ctx, req any) (any, error) {
			panic("boom")
		},
	}
	if err := reg.Register(bad); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ok := echoHandler(protocol.Key(2, 2))
	if err := reg.Register(ok); err != nil {
		t.Fatalf("Register echo: %v", err)
	}
	env := newTestEnv(t, reg, func(o *Options) { o.Bus = bus })

	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 1, ProtocolID: 2, MethodID: 7})

	replies := awaitReplies(t, env.conn, 1)
	code, msg, _ := envelopeCode(t, replies[0])
	if code != protocol.CodeInternal {
		t.Fatalf("code = %v, want internal", code)
	}
	if !strings.Contains(msg, "trace") {
		t.Errorf("internal message %q carries no trace id", msg)
	}
	if strings.Contains(msg, "boom") {
		t.Errorf("panic detail leaked to the client: %q", msg)
	}

	select {
	case ev := <-alerts:
		ev.Ack()
	case <-time.After(2 * time.Second):
		t.Error("no panic alert on the bus")
	}

	// The session survives and the next request works.
	body, _ := json.Marshal(echoReq{Text: "still here"})
	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 2, ProtocolID: 2, MethodID: 2, Body: body})
	replies = awaitReplies(t, env.conn, 2)
	if code, _, _ := envelopeCode(t, replies[1]); code != protocol.CodeOK {
		t.Errorf("post-panic code = %v, want ok", code)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := NewRegistry()
		hang := &Handler{
			Key:  protocol.Key(2, 8),
			Name: "test.hangs",
			Invoke: func(c *Ctx, req any) (any, error) {
				<-c.Ctx.Done()
				return nil, c.Ctx.Err()
			},
		}
		if err := reg.Register(hang); err != nil {
			t.Fatalf("Register: %v", err)
		}
		env := newTestEnv(t, reg, func(o *Options) { o.Timeout = time.Second })

		env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 1, ProtocolID: 2, MethodID: 8})

		replies := awaitReplies(t, env.conn, 1)
		if code, _, _ := envelopeCode(t, replies[0]); code != protocol.CodeTimeout {
			t.Errorf("code = %v, want timeout", code)
		}

		env.mgr.CloseAll("bye")
	})
}

func TestDispatch_SlowRequestEvent(t *testing.T) {
	bus := eventbus.New(slog.New(slog.DiscardHandler))
	defer bus.Close()
	events, err := bus.Subscribe(t.Context(), eventbus.TopicEvents)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	reg := NewRegistry()
	slow := &Handler{
		Key:           protocol.Key(2, 9),
		Name:          "test.slow",
		SlowThreshold: time.Millisecond,
		Invoke: func(c *Ctx, req any) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		},
	}
	if err := reg.Register(slow); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env := newTestEnv(t, reg, func(o *Options) { o.Bus = bus })

	env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 1, ProtocolID: 2, MethodID: 9})

	replies := awaitReplies(t, env.conn, 1)
	if code, _, _ := envelopeCode(t, replies[0]); code != protocol.CodeOK {
		t.Errorf("code = %v, want ok (slow is not an error)", code)
	}

	select {
	case ev := <-events:
		ev.Ack()
	case <-time.After(2 * time.Second):
		t.Error("no slow-request event on the bus")
	}
}

func TestDispatch_ResumeSwapsSession(t *testing.T) {
	reg := NewRegistry()
	env := newTestEnv(t, reg, nil)

	// An established session the connection should continue as.
	targetConn := testutil.NewMockConn()
	target, err := env.mgr.Create(targetConn)
	if err != nil {
		t.Fatalf("Create target: %v", err)
	}
	env.mgr.BindRole(target, 7, 42, "alice")

	h := &Handler{
		Key:        protocol.Key(1, 2),
		Name:       "test.resume",
		SignExempt: true,
		Invoke: func(c *Ctx, req any) (any, error) {
			c.ResumeAs(target)
			return &echoResp{Text: "resumed"}, nil
		},
	}
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got := env.d.Dispatch(t.Context(), env.sess, protocol.Message{SeqID: 5, ProtocolID: 1, MethodID: 2})
	if got != target {
		t.Fatal("Dispatch did not return the resumed session")
	}

	// The reply lands on the resumed session's transport, not the original.
	replies := awaitReplies(t, targetConn, 1)
	if replies[0].SeqID != 5 {
		t.Errorf("reply SeqID = %d, want 5", replies[0].SeqID)
	}
	if code, _, payload := envelopeCode(t, replies[0]); code != protocol.CodeOK || !strings.Contains(string(payload), "resumed") {
		t.Errorf("reply = %v %q, want ok with resumed payload", code, payload)
	}
	if env.conn.WriteCount() != 0 {
		t.Error("original session also received the reply")
	}
}
