package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tradegate/internal/broker"
)

func newSession(t *testing.T) broker.Session {
	t.Helper()
	s, err := broker.NewSimulatorDriver().Prepare(context.Background(), broker.Credentials{User: "u", Password: "p"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return s
}

func TestStoreEmpty(t *testing.T) {
	st := NewStore()
	if st.Active() {
		t.Fatal("new store should be empty")
	}
	if _, err := st.Get(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Get() error = %v, want ErrNoActiveSession", err)
	}
	// Clearing an empty store is a no-op.
	st.Clear()
	if st.Active() {
		t.Fatal("store should stay empty after Clear")
	}
}

func TestStoreCreateGetClear(t *testing.T) {
	st := NewStore()
	a := newSession(t)

	if prev := st.Create(a); prev != nil {
		t.Fatalf("Create on empty store returned %v, want nil", prev)
	}
	got, err := st.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != a {
		t.Fatal("Get returned a different session")
	}

	st.Clear()
	if st.Active() {
		t.Fatal("store should be empty after Clear")
	}
}

func TestStoreCreateReplaces(t *testing.T) {
	st := NewStore()
	a, b := newSession(t), newSession(t)

	st.Create(a)
	if prev := st.Create(b); prev != a {
		t.Fatal("second Create should return the first session")
	}
	got, _ := st.Get()
	if got != b {
		t.Fatal("Get should return the replacing session")
	}
}

func TestStoreCreateIfEmpty(t *testing.T) {
	st := NewStore()
	a, b := newSession(t), newSession(t)

	if !st.CreateIfEmpty(a) {
		t.Fatal("CreateIfEmpty on empty store = false, want true")
	}
	if st.CreateIfEmpty(b) {
		t.Fatal("CreateIfEmpty on active store = true, want false")
	}
	got, _ := st.Get()
	if got != a {
		t.Fatal("CreateIfEmpty must not replace the active session")
	}
}

func TestStoreClearIf(t *testing.T) {
	st := NewStore()
	a, b := newSession(t), newSession(t)

	st.Create(a)
	st.Create(b)
	if st.ClearIf(a) {
		t.Fatal("ClearIf with a stale session should not clear")
	}
	if !st.Active() {
		t.Fatal("store should still hold b")
	}
	if !st.ClearIf(b) {
		t.Fatal("ClearIf with the current session should clear")
	}
	if st.Active() {
		t.Fatal("store should be empty")
	}
}

func TestStoreOnChange(t *testing.T) {
	st := NewStore()
	var events []bool
	st.OnChange(func(active bool) { events = append(events, active) })

	a, b := newSession(t), newSession(t)
	st.Create(a)
	st.Create(b) // replace: no transition
	st.ClearIf(a)
	st.Clear()
	st.Clear()

	want := []bool{false, true, false}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %v, want %v", i, events[i], want[i])
		}
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	st := NewStore()
	sessions := []broker.Session{newSession(t), newSession(t), newSession(t)}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			st.Create(sessions[i%len(sessions)])
		}(i)
		go func() {
			defer wg.Done()
			if s, err := st.Get(); err == nil && s == nil {
				t.Error("Get returned nil session without error")
			}
		}()
		go func(i int) {
			defer wg.Done()
			st.ClearIf(sessions[i%len(sessions)])
		}(i)
	}
	wg.Wait()
}
