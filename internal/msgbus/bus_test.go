package msgbus

import (
	"testing"

	"github.com/nantokaworks/streamlive/internal/domain"
)

func chat(id string, ts int64) domain.Message {
	return domain.Message{ID: id, Kind: domain.KindChat, UserID: "u1", Text: "hello", TS: ts}
}

func TestIngest_DedupReplacesOptimisticInPlace(t *testing.T) {
	bus := New("s1", 50, false)

	optimistic := chat("x", 100)
	optimistic.Text = "optimistic copy"
	bus.AddLocal(optimistic)

	authoritative := chat("x", 100)
	authoritative.Text = "authoritative copy"
	bus.Ingest([]domain.Message{authoritative})

	log := bus.Log()
	count := 0
	for _, m := range log {
		if m.ID == "x" {
			count++
			if m.Text != "authoritative copy" {
				t.Fatalf("unexpected text: got=%q want=%q", m.Text, "authoritative copy")
			}
		}
	}
	if count != 1 {
		t.Fatalf("unexpected copies of id x: got=%d want=1", count)
	}
}

func TestIngest_DuplicateAuthoritativeDropped(t *testing.T) {
	bus := New("s1", 50, false)

	msg := chat("a", 100)
	bus.Ingest([]domain.Message{msg})
	bus.Ingest([]domain.Message{msg})

	if got := len(bus.Log()); got != 1 {
		t.Fatalf("unexpected log length: got=%d want=1", got)
	}
}

func TestIngest_OrderedByTSThenID(t *testing.T) {
	bus := New("s1", 50, false)

	bus.Ingest([]domain.Message{chat("b", 200)})
	bus.Ingest([]domain.Message{chat("c", 100)})
	bus.Ingest([]domain.Message{chat("a", 200)})

	log := bus.Log()
	wantOrder := []string{"c", "a", "b"}
	if len(log) != len(wantOrder) {
		t.Fatalf("unexpected log length: got=%d want=%d", len(log), len(wantOrder))
	}
	for i, want := range wantOrder {
		if log[i].ID != want {
			t.Fatalf("position %d: got=%q want=%q", i, log[i].ID, want)
		}
	}
}

func TestAddLocal_KeptUntilConfirmed(t *testing.T) {
	bus := New("s1", 50, false)

	bus.AddLocal(chat("local-1", 100))
	bus.Ingest([]domain.Message{chat("srv-1", 150)})

	log := bus.Log()
	if len(log) != 2 {
		t.Fatalf("unexpected log length: got=%d want=2", len(log))
	}
	if log[0].ID != "local-1" {
		t.Fatalf("optimistic message should keep its position: got=%q", log[0].ID)
	}
}

func TestWindow_TrimsChatButKeepsGiftJoinLeave(t *testing.T) {
	bus := New("s1", 4, false)

	bus.Ingest([]domain.Message{
		chat("c1", 100),
		{ID: "g1", Kind: domain.KindGift, UserID: "u1", GiftID: "rose", Cost: 10, TS: 110},
		chat("c2", 120),
		{ID: "j1", Kind: domain.KindJoin, UserID: "u2", TS: 130},
		chat("c3", 140),
		chat("c4", 150),
		{ID: "l1", Kind: domain.KindLeave, UserID: "u2", TS: 160},
	})

	window := bus.Window()

	seen := map[string]bool{}
	for _, m := range window {
		seen[m.ID] = true
	}
	for _, id := range []string{"g1", "j1", "l1"} {
		if !seen[id] {
			t.Fatalf("window must keep non-chat message %q", id)
		}
	}
	if seen["c1"] || seen["c2"] || seen["c3"] {
		t.Fatalf("older chat messages should be trimmed first: %v", window)
	}
	if !seen["c4"] {
		t.Fatalf("newest chat message should fill the remaining budget")
	}
}

func TestSubscribe_NotifiesNewMessagesOnly(t *testing.T) {
	bus := New("s1", 50, false)

	ch, cancel := bus.Subscribe()
	defer cancel()

	msg := chat("n1", 100)
	bus.Ingest([]domain.Message{msg})
	// Second delivery of the same message must not notify again.
	bus.Ingest([]domain.Message{msg})

	select {
	case got := <-ch:
		if got.ID != "n1" {
			t.Fatalf("unexpected message: got=%q want=%q", got.ID, "n1")
		}
	default:
		t.Fatalf("expected a notification for the first delivery")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected second notification: %q", got.ID)
	default:
	}
}

func TestLastAuthoritativeTS_IgnoresOptimistic(t *testing.T) {
	bus := New("s1", 50, false)

	bus.AddLocal(chat("local", 500))
	if got := bus.LastAuthoritativeTS(); got != 0 {
		t.Fatalf("unexpected cursor before any confirm: got=%d want=0", got)
	}

	bus.Ingest([]domain.Message{chat("srv", 300)})
	if got := bus.LastAuthoritativeTS(); got != 300 {
		t.Fatalf("unexpected cursor: got=%d want=300", got)
	}
}
