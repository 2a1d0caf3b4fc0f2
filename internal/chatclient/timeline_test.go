package chatclient

import (
	"testing"
	"time"

	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, at time.Duration, sender models.SenderType, content string) models.Message {
	return models.Message{ID: id, RoomID: "r1", SenderType: sender, Content: content, CreatedAt: t0.Add(at)}
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestTimelineOrdersByCreationNotArrival(t *testing.T) {
	tl := NewTimeline()
	tl.Apply(realtime.MessageEvent(realtime.EventInsert, msg("b", 2*time.Second, models.SenderAgent, "Hi")))
	tl.Apply(realtime.MessageEvent(realtime.EventInsert, msg("a", time.Second, models.SenderVisitor, "Hello")))
	// Same timestamp: id breaks the tie.
	tl.Apply(realtime.MessageEvent(realtime.EventInsert, msg("c", 2*time.Second, models.SenderAgent, "There")))

	got := contents(tl.Messages())
	want := []string{"Hello", "Hi", "There"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if latest, _ := tl.Latest(); latest.ID != "c" {
		t.Fatalf("latest = %q", latest.ID)
	}
}

func TestTimelineDiscardsDuplicatesAndOverwritesUpdates(t *testing.T) {
	tl := NewTimeline()
	m := msg("a", 0, models.SenderAgent, "Hi")
	if !tl.Apply(realtime.MessageEvent(realtime.EventInsert, m)) {
		t.Fatalf("first insert not applied")
	}
	if tl.Apply(realtime.MessageEvent(realtime.EventInsert, m)) {
		t.Fatalf("duplicate insert applied")
	}
	if tl.Len() != 1 || tl.UnreadFor(models.SenderVisitor) != 1 {
		t.Fatalf("len=%d unread=%d", tl.Len(), tl.UnreadFor(models.SenderVisitor))
	}

	read := m
	read.IsRead = true
	if !tl.Apply(realtime.MessageEvent(realtime.EventUpdate, read)) {
		t.Fatalf("update not applied")
	}
	if tl.UnreadFor(models.SenderVisitor) != 0 {
		t.Fatalf("update did not overwrite read state")
	}
	// A late duplicate insert must not roll the read state back.
	tl.Apply(realtime.MessageEvent(realtime.EventInsert, m))
	if tl.UnreadFor(models.SenderVisitor) != 0 {
		t.Fatalf("stale insert overwrote update")
	}

	if !tl.Apply(realtime.MessageEvent(realtime.EventDelete, m)) || tl.Len() != 0 {
		t.Fatalf("delete not applied")
	}
	if tl.Apply(realtime.Event{Type: realtime.EventInsert, Table: "rooms", Record: msg("x", 0, models.SenderAgent, "?")}) {
		t.Fatalf("foreign table applied")
	}
}

func TestTimelineReconcilesOptimisticEntries(t *testing.T) {
	tl := NewTimeline()
	tl.Apply(realtime.MessageEvent(realtime.EventInsert, msg("a", 0, models.SenderAgent, "Hi")))
	tl.AddPending(models.Message{ClientID: "c1", SenderType: models.SenderVisitor, Content: "Hello", CreatedAt: t0.Add(-time.Hour)})

	msgs := tl.Messages()
	if len(msgs) != 2 || msgs[1].ClientID != "c1" || msgs[1].ID != "" {
		t.Fatalf("pending entry not shown last: %+v", msgs)
	}

	stored := msg("b", time.Second, models.SenderVisitor, "Hello")
	stored.ClientID = "c1"
	tl.Apply(realtime.MessageEvent(realtime.EventInsert, stored))
	tl.Reconcile(stored)
	msgs = tl.Messages()
	if len(msgs) != 2 || msgs[1].ID != "b" {
		t.Fatalf("optimistic copy not replaced: %+v", msgs)
	}

	tl.AddPending(models.Message{ClientID: "c2", Content: "lost"})
	tl.DropPending("c2")
	if len(tl.Messages()) != 2 {
		t.Fatalf("failed send still shown")
	}
}

func TestTimelineSendResponseDoesNotUndoReadFlip(t *testing.T) {
	tl := NewTimeline()
	tl.AddPending(models.Message{ClientID: "c1", SenderType: models.SenderVisitor, Content: "Hello", CreatedAt: t0})

	sent := msg("m1", 0, models.SenderVisitor, "Hello")
	sent.ClientID = "c1"
	tl.Apply(realtime.MessageEvent(realtime.EventInsert, sent))
	read := sent
	read.IsRead = true
	tl.Apply(realtime.MessageEvent(realtime.EventUpdate, read))

	// The POST answer arrives last, carrying the pre-read copy.
	tl.Reconcile(sent)
	msgs := tl.Messages()
	if len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("read flip lost: %+v", msgs)
	}
	if tl.UnreadFor(models.SenderAgent) != 0 {
		t.Fatalf("agent unread = %d", tl.UnreadFor(models.SenderAgent))
	}

	// A fetched page is authoritative and still overwrites.
	edited := read
	edited.Content = "Hello!"
	if n := tl.Merge([]models.Message{edited}); n != 1 || tl.Messages()[0].Content != "Hello!" {
		t.Fatalf("merge did not overwrite")
	}
}

func TestTimelineMergeCountsChanges(t *testing.T) {
	tl := NewTimeline()
	page := []models.Message{msg("a", 0, models.SenderVisitor, "1"), msg("b", time.Second, models.SenderAgent, "2")}
	if n := tl.Merge(page); n != 2 {
		t.Fatalf("merge = %d", n)
	}
	if n := tl.Merge(page); n != 0 {
		t.Fatalf("re-merge = %d", n)
	}
	if tl.UnreadFor(models.SenderAgent) != 1 || tl.UnreadFor(models.SenderSystem) != 0 {
		t.Fatalf("unread per role wrong")
	}
}
