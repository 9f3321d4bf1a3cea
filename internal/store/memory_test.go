package store

import (
	"context"
	"errors"
	"testing"
)

// testState is the snapshot shape shared by store tests. The updated_at_unix
// field exercises the Redis stale-write guard.
type testState struct {
	Name          string `json:"name"`
	Gold          int64  `json:"gold"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// TestMemory_RoundTrip verifies save/load symmetry and the nil-nil miss.
func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[testState]()

	got, err := m.Load(ctx, "player", 1)
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing snapshot, got %+v", got)
	}

	in := &testState{Name: "alice", Gold: 500}
	if err := m.Save(ctx, "player", 1, in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err = m.Load(ctx, "player", 1)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got == nil || got.Name != "alice" || got.Gold != 500 {
		t.Errorf("loaded %+v, want %+v", got, in)
	}
}

// TestMemory_Isolation verifies mutations after Save and after Load never leak
// into the stored snapshot.
func TestMemory_Isolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[testState]()

	in := &testState{Name: "bob", Gold: 10}
	if err := m.Save(ctx, "player", 2, in); err != nil {
		t.Fatal(err)
	}
	in.Gold = 9999

	first, err := m.Load(ctx, "player", 2)
	if err != nil {
		t.Fatal(err)
	}
	first.Gold = -1

	second, err := m.Load(ctx, "player", 2)
	if err != nil {
		t.Fatal(err)
	}
	if second.Gold != 10 {
		t.Errorf("stored snapshot mutated: gold=%d, want 10", second.Gold)
	}
}

// TestMemory_KindsAreSeparate verifies the same id under different kinds does
// not collide.
func TestMemory_KindsAreSeparate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[testState]()

	if err := m.Save(ctx, "player", 7, &testState{Name: "p"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(ctx, "guild", 7, &testState{Name: "g"}); err != nil {
		t.Fatal(err)
	}

	p, _ := m.Load(ctx, "player", 7)
	g, _ := m.Load(ctx, "guild", 7)
	if p.Name != "p" || g.Name != "g" {
		t.Errorf("kind collision: player=%q guild=%q", p.Name, g.Name)
	}
}

// TestMemory_Hooks verifies fail injection surfaces errors and clears cleanly.
func TestMemory_Hooks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[testState]()
	boom := errors.New("backend down")

	m.SetSaveHook(func(kind string, id int64) error { return boom })
	if err := m.Save(ctx, "player", 1, &testState{}); !errors.Is(err, boom) {
		t.Errorf("save hook not surfaced: %v", err)
	}
	if m.Saves() != 0 {
		t.Errorf("failed save counted: %d", m.Saves())
	}

	m.SetSaveHook(nil)
	if err := m.Save(ctx, "player", 1, &testState{}); err != nil {
		t.Errorf("save after clearing hook: %v", err)
	}

	m.SetLoadHook(func(kind string, id int64) error { return boom })
	if _, err := m.Load(ctx, "player", 1); !errors.Is(err, boom) {
		t.Errorf("load hook not surfaced: %v", err)
	}
}
