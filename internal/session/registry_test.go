package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStartConcurrentSingleActive(t *testing.T) {
	r := NewRegistry()

	const n = 25
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start("CSE-3A", "CN", "T1", time.Minute)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflict int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrActiveExists):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != n-1 {
		t.Fatalf("want 1 success and %d conflicts, got %d and %d", n-1, ok, conflict)
	}
}

func TestStartSecondSectionAllowed(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Start("CSE-3A", "CN", "T1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start("CSE-3B", "CN", "T1", time.Minute); err != nil {
		t.Fatalf("second section should start: %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	r := NewRegistry()
	s, err := r.Start("CSE-3A", "CN", "T1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(s.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(s.ID); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
	if err := r.Stop("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := r.Active(s.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestStopFreesSection(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Start("CSE-3A", "CN", "T1", time.Minute)
	if err := r.Stop(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start("CSE-3A", "DBMS", "T2", time.Minute); err != nil {
		t.Fatalf("section should be free after stop: %v", err)
	}
}

func TestDiscoverNeverReportsExpired(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	s, err := r.Start("CSE-3A", "CN", "T1", 600*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	d := r.Discover("CSE-3A")
	if !d.Active || d.SessionID != s.ID {
		t.Fatalf("want active discovery for %s, got %+v", s.ID, d)
	}
	if d.Subject != "CN" || d.TeacherID != "T1" {
		t.Fatalf("discovery fields wrong: %+v", d)
	}

	if d := r.Discover("CSE-3B"); d.Active {
		t.Fatalf("other section must not see the session: %+v", d)
	}

	// exactly at created_at + ttl the session is gone
	now = now.Add(600 * time.Second)
	if d := r.Discover("CSE-3A"); d.Active {
		t.Fatalf("expired session reported active: %+v", d)
	}
	if err := r.Active(s.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("want EXPIRED, got %s", got.Status)
	}
}

func TestStartAfterExpiry(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if _, err := r.Start("CSE-3A", "CN", "T1", time.Minute); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := r.Start("CSE-3A", "CN", "T1", time.Minute); err != nil {
		t.Fatalf("start after expiry should succeed: %v", err)
	}
}

func TestDefaultTTL(t *testing.T) {
	r := NewRegistry()
	s, err := r.Start("CSE-3A", "CN", "T1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.ExpiresAt.Sub(s.CreatedAt); got != DefaultTTL {
		t.Fatalf("want ttl %s, got %s", DefaultTTL, got)
	}
}

func TestTokenPayload(t *testing.T) {
	s := Session{ID: "abc", Subject: "CN"}
	want := `{"session_id":"abc","subject":"CN"}`
	if got := string(s.TokenPayload()); got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
}
