// Package chatclient is the visitor-side SDK: typed calls for the widget
// endpoints, a local message timeline fed by realtime events, and a Session
// that ties them together.
package chatclient

import (
	"sort"
	"sync"

	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
)

// Timeline is the local, ordered copy of a room's messages. Realtime delivery
// is at-least-once and unordered, so entries are keyed by id and the list is
// always sorted by (created_at, id) rather than arrival.
type Timeline struct {
	mu   sync.Mutex
	byID map[string]models.Message
	// pending holds optimistic copies by client id until the server's row arrives
	pending map[string]models.Message
}

func NewTimeline() *Timeline {
	return &Timeline{
		byID:    make(map[string]models.Message),
		pending: make(map[string]models.Message),
	}
}

// AddPending shows a message before the server has stored it.
func (t *Timeline) AddPending(m models.Message) {
	if m.ClientID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[m.ClientID] = m
}

// DropPending removes an optimistic copy whose send failed.
func (t *Timeline) DropPending(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, clientID)
}

// Reconcile swaps the optimistic entry for the server's copy of a sent
// message. A copy already held by id is kept: an UPDATE may have overtaken
// the send response. It reports whether the timeline changed.
func (t *Timeline) Reconcile(m models.Message) bool {
	if m.ID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upsertLocked(m, false)
}

func (t *Timeline) upsertLocked(m models.Message, overwrite bool) bool {
	changed := false
	if m.ClientID != "" {
		if _, ok := t.pending[m.ClientID]; ok {
			delete(t.pending, m.ClientID)
			changed = true
		}
	}
	old, exists := t.byID[m.ID]
	if exists && (!overwrite || old == m) {
		return changed
	}
	t.byID[m.ID] = m
	return true
}

// Merge applies a fetched page of messages.
func (t *Timeline) Merge(msgs []models.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if m.ID != "" && t.upsertLocked(m, true) {
			n++
		}
	}
	return n
}

// Apply folds one realtime event into the timeline. Duplicate inserts are
// discarded; updates overwrite by id; deletes remove. It reports whether the
// timeline changed.
func (t *Timeline) Apply(ev realtime.Event) bool {
	if ev.Table != "" && ev.Table != realtime.TableMessages {
		return false
	}
	m := ev.Record
	if m.ID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Type {
	case realtime.EventInsert:
		return t.upsertLocked(m, false)
	case realtime.EventUpdate:
		return t.upsertLocked(m, true)
	case realtime.EventDelete:
		if _, ok := t.byID[m.ID]; !ok {
			return false
		}
		delete(t.byID, m.ID)
		return true
	}
	return false
}

// Messages returns the stored messages followed by any still-pending ones,
// each group ordered by (created_at, id).
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Message, 0, len(t.byID)+len(t.pending))
	for _, m := range t.byID {
		out = append(out, m)
	}
	sortMessages(out)
	pending := make([]models.Message, 0, len(t.pending))
	for _, m := range t.pending {
		pending = append(pending, m)
	}
	sortMessages(pending)
	return append(out, pending...)
}

func sortMessages(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		if msgs[i].ID != msgs[j].ID {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].ClientID < msgs[j].ClientID
	})
}

// Latest is the newest stored message by creation time.
func (t *Timeline) Latest() (models.Message, bool) {
	msgs := t.stored()
	if len(msgs) == 0 {
		return models.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

func (t *Timeline) stored() []models.Message {
	t.mu.Lock()
	out := make([]models.Message, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, m)
	}
	t.mu.Unlock()
	sortMessages(out)
	return out
}

// UnreadFor counts messages from the other party that reader has not read.
// System notices never count.
func (t *Timeline) UnreadFor(reader models.SenderType) int {
	var author models.SenderType
	switch reader {
	case models.SenderVisitor:
		author = models.SenderAgent
	case models.SenderAgent:
		author = models.SenderVisitor
	default:
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.byID {
		if m.SenderType == author && !m.IsRead {
			n++
		}
	}
	return n
}

// Len is the number of stored (non-pending) messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
