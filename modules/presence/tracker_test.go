package presence

import (
	"context"
	"testing"
	"time"

	domain "github.com/example/roomsync-demo/domain/room"
	"github.com/example/roomsync-demo/modules/store"
)

const deliveryTimeout = 2 * time.Second

func setupTracker(t *testing.T) (*Tracker, store.Conn) {
	t.Helper()

	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })

	conn, err := mem.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return NewTracker(conn), conn
}

func collectRosters(t *testing.T, tr *Tracker, room string) (<-chan domain.Roster, store.UnsubscribeFunc) {
	t.Helper()

	ch := make(chan domain.Roster, 16)
	unsub, err := tr.Roster(room, func(r domain.Roster) { ch <- r })
	if err != nil {
		t.Fatalf("roster subscribe: %v", err)
	}
	return ch, unsub
}

func nextRoster(t *testing.T, ch <-chan domain.Roster) domain.Roster {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(deliveryTimeout):
		t.Fatal("timed out waiting for roster snapshot")
		return nil
	}
}

func TestJoinAppearsInRoster(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	ch, unsub := collectRosters(t, tr, "lobby")
	defer unsub()

	if r := nextRoster(t, ch); len(r) != 0 {
		t.Fatalf("initial roster = %v, want empty", r)
	}

	if err := tr.Join(ctx, "lobby", "Ada"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if r := nextRoster(t, ch); !r.Contains("Ada") {
		t.Fatalf("roster after join = %v, want Ada present", r)
	}
}

func TestLeaveRemovesFromRoster(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	if err := tr.Join(ctx, "lobby", "Ada"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := tr.Join(ctx, "lobby", "Grace"); err != nil {
		t.Fatalf("join: %v", err)
	}

	ch, unsub := collectRosters(t, tr, "lobby")
	defer unsub()

	r := nextRoster(t, ch)
	if !r.Contains("Ada") || !r.Contains("Grace") {
		t.Fatalf("initial roster = %v, want Ada and Grace", r)
	}

	if err := tr.Leave(ctx, "lobby", "Ada"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	r = nextRoster(t, ch)
	if r.Contains("Ada") {
		t.Fatalf("roster after leave = %v, want Ada absent", r)
	}
	if !r.Contains("Grace") {
		t.Fatalf("roster after leave = %v, want Grace still present", r)
	}
}

func TestLeaveAbsentParticipant(t *testing.T) {
	tr, _ := setupTracker(t)

	if err := tr.Leave(context.Background(), "lobby", "Nobody"); err != nil {
		t.Fatalf("leave of absent participant: %v", err)
	}
}

func TestDisconnectClearsLiveness(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	connA, err := mem.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	trA := NewTracker(connA)
	if err := trA.Join(ctx, "lobby", "Ada"); err != nil {
		t.Fatalf("join: %v", err)
	}

	connB, err := mem.Connect(ctx)
	if err != nil {
		t.Fatalf("connect observer: %v", err)
	}
	defer connB.Close()
	trB := NewTracker(connB)

	ch, unsub := collectRosters(t, trB, "lobby")
	defer unsub()
	if r := nextRoster(t, ch); !r.Contains("Ada") {
		t.Fatalf("roster before disconnect = %v, want Ada present", r)
	}

	// Simulated connection loss: close without leaving.
	if err := connA.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	r := nextRoster(t, ch)
	if r.Contains("Ada") {
		t.Fatalf("roster after disconnect = %v, want Ada absent", r)
	}
}

func TestRosterUnescapesNicks(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	const nick = "Ada Lovelace/1"
	if err := tr.Join(ctx, "lobby", nick); err != nil {
		t.Fatalf("join: %v", err)
	}

	ch, unsub := collectRosters(t, tr, "lobby")
	defer unsub()

	if r := nextRoster(t, ch); !r.Contains(nick) {
		t.Fatalf("roster = %v, want %q present", r, nick)
	}
}

func TestRejoinAfterLeave(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tr.Join(ctx, "lobby", "Ada"); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		if err := tr.Leave(ctx, "lobby", "Ada"); err != nil {
			t.Fatalf("leave %d: %v", i, err)
		}
	}

	ch, unsub := collectRosters(t, tr, "lobby")
	defer unsub()
	if r := nextRoster(t, ch); r.Contains("Ada") {
		t.Fatalf("roster after final leave = %v, want Ada absent", r)
	}
}
