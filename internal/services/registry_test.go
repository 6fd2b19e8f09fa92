package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider/providertest"
)

func TestRegistry_ConcurrentGetOrCreateYieldsOneSession(t *testing.T) {
	f := &countingFactory{}
	r := NewRegistry(f, newMemStore(), fastOpts())
	t.Cleanup(func() { _ = r.CloseAll(context.Background()) })

	const n = 32
	got := make([]*AccountSession, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate("u1")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			got[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("call %d returned a different session", i)
		}
	}
	if c := f.calls.Load(); c != 1 {
		t.Fatalf("factory called %d times; want 1", c)
	}
	if r.Len() != 1 {
		t.Fatalf("registry size = %d; want 1", r.Len())
	}
	if v := testutil.ToFloat64(sessionsLive); v != 1 {
		t.Fatalf("sessions gauge = %v; want 1", v)
	}
}

func TestRegistry_ReplacesStaleSessions(t *testing.T) {
	f := &countingFactory{}
	r := NewRegistry(f, newMemStore(), fastOpts())
	t.Cleanup(func() { _ = r.CloseAll(context.Background()) })

	first, _ := r.GetOrCreate("u1")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	second, _ := r.GetOrCreate("u1")
	if second == first {
		t.Fatalf("closed session was handed out again")
	}

	// A session that connected and then lost its connection is stale too.
	f.prepare = func(_ domain.AccountID, c *providertest.Client) { c.Authorized = true }
	_ = second.Close()
	third, _ := r.GetOrCreate("u1")
	if err := third.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if again, _ := r.GetOrCreate("u1"); again != third {
		t.Fatalf("live session should be reused")
	}
	dropped := f.last()
	dropped.Drop(nil)
	disconnectsBeforeNew := -1
	f.prepare = func(_ domain.AccountID, c *providertest.Client) {
		disconnectsBeforeNew = dropped.DisconnectCalls()
	}
	if fresh, _ := r.GetOrCreate("u1"); fresh == third {
		t.Fatalf("dropped session should be replaced")
	}
	if !third.Closed() {
		t.Fatalf("stale session must be closed before GetOrCreate returns")
	}
	if disconnectsBeforeNew < 1 {
		t.Fatalf("stale client must disconnect before its replacement is built")
	}
	if c := f.calls.Load(); c != 4 {
		t.Fatalf("factory called %d times; want 4", c)
	}
}

func TestRegistry_RemoveAndList(t *testing.T) {
	f := &countingFactory{}
	r := NewRegistry(f, newMemStore(), fastOpts())

	b, _ := r.GetOrCreate("b")
	_, _ = r.GetOrCreate("a")

	infos := r.List()
	if len(infos) != 2 || infos[0].AccountID != "a" || infos[1].AccountID != "b" {
		t.Fatalf("List = %+v", infos)
	}
	if infos[0].State != domain.StateDisconnected {
		t.Fatalf("fresh session state = %s", infos[0].State)
	}

	if err := r.Remove("b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !b.Closed() {
		t.Fatalf("Remove must close the session")
	}
	if err := r.Remove("b"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second Remove: want ErrSessionNotFound, got %v", err)
	}
	if _, ok := r.Get("b"); ok {
		t.Fatalf("removed session still registered")
	}

	if err := r.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("CloseAll left %d sessions", r.Len())
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry(failingFactory{}, newMemStore(), fastOpts())
	if _, err := r.GetOrCreate("u1"); !errors.Is(err, errBoom) {
		t.Fatalf("want factory error, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("failed creation must not register a session")
	}
}
