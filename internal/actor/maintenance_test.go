package actor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"
)

func TestDirtyFlushOnSaveTick(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sys, mem := newTestSystem(t, func(o *Options[counterState]) {
			o.SaveInterval = time.Second
		})
		runCtx, cancelRun := context.WithCancel(t.Context())
		go sys.Run(runCtx)

		if _, err := sys.Ask(t.Context(), 7, "hit", nil); err != nil {
			t.Fatalf("hit: %v", err)
		}

		// the first tick flushes the dirty actor, exactly once
		time.Sleep(1500 * time.Millisecond)
		synctest.Wait()
		if got := mem.Saves(); got != 1 {
			t.Fatalf("saves after first tick = %d, want 1", got)
		}

		// clean actor: the next tick writes nothing
		time.Sleep(time.Second)
		synctest.Wait()
		if got := mem.Saves(); got != 1 {
			t.Fatalf("saves after clean tick = %d, want 1", got)
		}

		// a new mutation is picked up by the following tick
		if _, err := sys.Ask(t.Context(), 7, "hit", nil); err != nil {
			t.Fatalf("second hit: %v", err)
		}
		time.Sleep(time.Second)
		synctest.Wait()
		if got := mem.Saves(); got != 2 {
			t.Fatalf("saves after second flush = %d, want 2", got)
		}

		cancelRun()
		if err := sys.Shutdown(t.Context()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	})
}

func TestSaveFailureRetriedNextTick(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sys, mem := newTestSystem(t, func(o *Options[counterState]) {
			o.SaveInterval = time.Second
		})
		var fails atomic.Int32
		mem.SetSaveHook(func(kind string, id int64) error {
			if fails.Add(1) == 1 {
				return errors.New("backend hiccup")
			}
			return nil
		})
		runCtx, cancelRun := context.WithCancel(t.Context())
		go sys.Run(runCtx)

		if _, err := sys.Ask(t.Context(), 1, "hit", nil); err != nil {
			t.Fatalf("hit: %v", err)
		}

		time.Sleep(1100 * time.Millisecond)
		synctest.Wait()
		if got := mem.Saves(); got != 0 {
			t.Fatalf("saves after failed tick = %d, want 0", got)
		}
		if got := sys.Stats().SavesFailed; got != 1 {
			t.Fatalf("saves_failed = %d, want 1", got)
		}

		// still dirty, so the next tick retries and succeeds
		time.Sleep(time.Second)
		synctest.Wait()
		if got := mem.Saves(); got != 1 {
			t.Fatalf("saves after retry = %d, want 1", got)
		}

		cancelRun()
		if err := sys.Shutdown(t.Context()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	})
}

func TestIdleEviction(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sys, mem := newTestSystem(t, func(o *Options[counterState]) {
			o.SaveInterval = time.Second
			o.IdleTimeout = 3 * time.Second
			o.MinResidency = time.Second
		})
		runCtx, cancelRun := context.WithCancel(t.Context())
		go sys.Run(runCtx)

		if _, err := sys.Ask(t.Context(), 1, "hit", nil); err != nil {
			t.Fatalf("hit: %v", err)
		}

		// eviction lands on the first sweep after the idle timeout passes
		time.Sleep(4100 * time.Millisecond)
		synctest.Wait()
		if got := sys.Resident(); got != 0 {
			t.Fatalf("resident = %d, want 0", got)
		}
		if got := sys.Stats().Evicted; got != 1 {
			t.Fatalf("evicted = %d, want 1", got)
		}

		// state survived the eviction
		st, err := mem.Load(t.Context(), "counter", 1)
		if err != nil || st == nil || st.Hits != 1 {
			t.Fatalf("saved state = %+v, %v", st, err)
		}
		v, err := sys.Ask(t.Context(), 1, "get", nil)
		if err != nil {
			t.Fatalf("get after eviction: %v", err)
		}
		if v.(int) != 1 {
			t.Fatalf("hits = %v, want 1", v)
		}

		cancelRun()
		if err := sys.Shutdown(t.Context()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	})
}

func TestIdleEvictionNotResetByTicks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sys, _ := newTestSystem(t, func(o *Options[counterState]) {
			o.SaveInterval = time.Second
			o.IdleTimeout = 3 * time.Second
			o.MinResidency = time.Second
			o.TickInterval = 500 * time.Millisecond
			o.OnTick = func(c *Context[counterState]) {}
		})
		runCtx, cancelRun := context.WithCancel(t.Context())
		go sys.Run(runCtx)

		if _, err := sys.Ask(t.Context(), 1, "hit", nil); err != nil {
			t.Fatalf("hit: %v", err)
		}

		// periodic ticks keep arriving but do not count as activity
		time.Sleep(4100 * time.Millisecond)
		synctest.Wait()
		if got := sys.Resident(); got != 0 {
			t.Fatalf("resident = %d, want 0", got)
		}

		cancelRun()
		if err := sys.Shutdown(t.Context()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	})
}

func TestPressureEviction(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sys, _ := newTestSystem(t, func(o *Options[counterState]) {
			o.SaveInterval = time.Second
			o.MaxResident = 2
			o.MinResidency = time.Millisecond
			o.IdleTimeout = time.Hour
		})
		runCtx, cancelRun := context.WithCancel(t.Context())
		go sys.Run(runCtx)

		// staggered activity gives a strict least-recently-active order
		for id := int64(1); id <= 4; id++ {
			if _, err := sys.Ask(t.Context(), id, "hit", nil); err != nil {
				t.Fatalf("hit %d: %v", id, err)
			}
			time.Sleep(10 * time.Millisecond)
		}

		time.Sleep(time.Second)
		synctest.Wait()
		if got := sys.Resident(); got != 2 {
			t.Fatalf("resident = %d, want 2", got)
		}
		if got := sys.Stats().Evicted; got != 2 {
			t.Fatalf("evicted = %d, want 2", got)
		}

		// the most recently active actors survived
		for id := int64(3); id <= 4; id++ {
			v, err := sys.Ask(t.Context(), id, "get", nil)
			if err != nil || v.(int) != 1 {
				t.Fatalf("survivor %d: %v, %v", id, v, err)
			}
		}
		if got := sys.Stats().Spawned; got != 4 {
			t.Fatalf("spawned = %d, want 4 (survivors served without respawn)", got)
		}

		// the evicted one comes back on demand with its saved state
		v, err := sys.Ask(t.Context(), 1, "get", nil)
		if err != nil || v.(int) != 1 {
			t.Fatalf("evicted 1: %v, %v", v, err)
		}
		if got := sys.Stats().Spawned; got != 5 {
			t.Fatalf("spawned = %d, want 5", got)
		}

		cancelRun()
		if err := sys.Shutdown(t.Context()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	})
}

func TestHardLimitRejectsCreation(t *testing.T) {
	sys, _ := newTestSystem(t, func(o *Options[counterState]) {
		o.MaxResident = 2
		o.HardLimit = 3
	})
	defer shutdownSystem(t, sys)

	for id := int64(1); id <= 3; id++ {
		if _, err := sys.Ask(t.Context(), id, "hit", nil); err != nil {
			t.Fatalf("hit %d: %v", id, err)
		}
	}

	if err := sys.Send(4, "hit", nil); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("send over hard limit = %v, want ErrOverloaded", err)
	}
	if got := sys.Stats().RejectedOverload; got != 1 {
		t.Errorf("rejected_overload = %d, want 1", got)
	}

	// existing actors keep working at the limit
	v, err := sys.Ask(t.Context(), 1, "get", nil)
	if err != nil || v.(int) != 1 {
		t.Errorf("existing actor: %v, %v", v, err)
	}
}

func TestTickBroadcast(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sys, _ := newTestSystem(t, func(o *Options[counterState]) {
			o.TickInterval = 500 * time.Millisecond
			o.OnTick = func(c *Context[counterState]) {
				c.State().Gold++
				c.MarkDirty()
			}
		})
		runCtx, cancelRun := context.WithCancel(t.Context())
		go sys.Run(runCtx)

		if _, err := sys.Ask(t.Context(), 1, "get", nil); err != nil {
			t.Fatalf("spawn 1: %v", err)
		}
		if _, err := sys.Ask(t.Context(), 2, "get", nil); err != nil {
			t.Fatalf("spawn 2: %v", err)
		}

		time.Sleep(1100 * time.Millisecond)
		synctest.Wait()
		for id := int64(1); id <= 2; id++ {
			v, err := sys.Ask(t.Context(), id, "gold", nil)
			if err != nil {
				t.Fatalf("gold %d: %v", id, err)
			}
			if v.(int) != 2 {
				t.Errorf("actor %d ticks = %v, want 2", id, v)
			}
		}

		cancelRun()
		if err := sys.Shutdown(t.Context()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	})
}
