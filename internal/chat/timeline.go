package chat

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/google/uuid"
)

// DefaultReconcileWindow is how far apart a draft and its server echo
// may be in time and still be matched.
const DefaultReconcileWindow = 2 * time.Minute

// NewLocalID returns a placeholder identity for an optimistic draft.
func NewLocalID() string {
	return models.LocalIDPrefix + uuid.NewString()
}

type entry struct {
	msg models.Message
	seq uint64
}

// Timeline is the ordered, deduplicated message list for one
// conversation. Entries are keyed by identity; the sorted view is rebuilt
// lazily on the first Snapshot after a mutation. Safe for concurrent use.
type Timeline struct {
	ref    models.ConversationRef
	logger *slog.Logger
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	sorted  []models.Message
	dirty   bool
}

// NewTimeline creates an empty timeline. A window of zero uses
// DefaultReconcileWindow.
func NewTimeline(ref models.ConversationRef, window time.Duration, logger *slog.Logger) *Timeline {
	if window <= 0 {
		window = DefaultReconcileWindow
	}

	return &Timeline{
		ref:     ref,
		logger:  logger,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Seed replaces the timeline with a snapshot. Duplicate identities keep
// their first occurrence; entries without an identity are dropped.
func (t *Timeline) Seed(snapshot []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[string]*entry, len(snapshot))

	// Walk oldest-position first so that, among equal timestamps, the
	// entry listed earlier in the snapshot gets the higher sequence and
	// keeps its place.
	for i := len(snapshot) - 1; i >= 0; i-- {
		m := snapshot[i]
		if m.ID == "" {
			t.logger.Warn("dropping snapshot entry",
				slog.String("conversation", t.ref.String()),
				slog.String("error", chaterrors.ErrEventDropped.Error()),
				slog.String("reason", "missing identity"),
			)

			continue
		}

		if _, ok := t.entries[m.ID]; ok {
			// Later in the walk means earlier in the snapshot; it wins.
			delete(t.entries, m.ID)
		}

		m.Conversation = t.ref
		t.insertLocked(m)
	}

	t.dirty = true
}

// Apply merges one live event and reports whether the timeline changed.
// Malformed events are logged and ignored.
func (t *Timeline) Apply(ev models.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case models.EventCreate:
		if !t.validMessageEvent(ev) {
			return false
		}

		return t.createLocked(*ev.Message, ev.HasTime)

	case models.EventEdit:
		if !t.validMessageEvent(ev) {
			return false
		}

		return t.editLocked(*ev.Message, ev.HasTime)

	case models.EventDelete:
		id := ev.ID
		if id == "" && ev.Message != nil {
			id = ev.Message.ID
		}

		if id == "" {
			t.dropped(ev, "delete without identity")
			return false
		}

		if _, ok := t.entries[id]; !ok {
			return false
		}

		delete(t.entries, id)
		t.dirty = true

		return true

	case models.EventBulkDelete:
		if len(t.entries) == 0 {
			return false
		}

		t.entries = make(map[string]*entry)
		t.dirty = true

		return true
	}

	t.dropped(ev, "unknown event type")

	return false
}

func (t *Timeline) validMessageEvent(ev models.Event) bool {
	if ev.Message == nil {
		t.dropped(ev, "missing message")
		return false
	}

	if ev.Message.ID == "" {
		t.dropped(ev, "missing identity")
		return false
	}

	return true
}

func (t *Timeline) dropped(ev models.Event, reason string) {
	t.logger.Warn("dropping live event",
		slog.String("conversation", t.ref.String()),
		slog.String("type", string(ev.Type)),
		slog.String("error", chaterrors.ErrEventDropped.Error()),
		slog.String("reason", reason),
	)
}

func (t *Timeline) createLocked(m models.Message, hasTime bool) bool {
	if _, ok := t.entries[m.ID]; ok {
		return false
	}

	if !hasTime {
		m.Time = t.now().UnixMilli()
	}

	m.Conversation = t.ref
	m.Pending = false

	if draftID, ok := t.matchDraftLocked(m); ok {
		t.logger.Debug("reconciled draft with server echo",
			slog.String("conversation", t.ref.String()),
			slog.String("local_id", draftID),
			slog.String("id", m.ID),
		)
		delete(t.entries, draftID)
	}

	t.insertLocked(m)
	t.dirty = true

	return true
}

func (t *Timeline) editLocked(m models.Message, hasTime bool) bool {
	cur, ok := t.entries[m.ID]
	if !ok {
		if !hasTime {
			m.Time = t.now().UnixMilli()
		}

		m.Conversation = t.ref
		m.Pending = false
		t.insertLocked(m)
		t.dirty = true

		return true
	}

	updated := cur.msg
	updated.Body = m.Body
	updated.Attachment = cloneAttachment(m.Attachment)

	if hasTime {
		updated.Time = m.Time
	}

	if m.Sender != "" {
		updated.Sender = m.Sender
	}

	updated.Read = updated.Read || m.Read
	cur.msg = updated
	t.dirty = true

	return true
}

// matchDraftLocked finds the pending draft a server create confirms:
// same sender and body, same attachment name when both carry one, and a
// time within the reconcile window. The oldest match wins so that two
// identical drafts are confirmed in the order they were sent.
func (t *Timeline) matchDraftLocked(m models.Message) (string, bool) {
	var (
		best  *entry
		bestK string
	)

	for k, e := range t.entries {
		if !e.msg.Pending || !t.sameSend(e.msg, m) {
			continue
		}

		if best == nil || e.msg.Time < best.msg.Time || (e.msg.Time == best.msg.Time && e.seq < best.seq) {
			best = e
			bestK = k
		}
	}

	return bestK, best != nil
}

// sameSend reports whether server message m is the echo of draft d:
// same sender and body, same attachment name when both carry one, and a
// time within the reconcile window.
func (t *Timeline) sameSend(d, m models.Message) bool {
	if d.Sender != m.Sender || d.Body != m.Body {
		return false
	}

	if a, b := d.AttachmentName(), m.AttachmentName(); a != "" && b != "" && a != b {
		return false
	}

	// Attachment-only drafts only match attachment echoes.
	if d.Body == "" && (d.Attachment == nil) != (m.Attachment == nil) {
		return false
	}

	delta := d.Time - m.Time
	if delta < 0 {
		delta = -delta
	}

	return time.Duration(delta)*time.Millisecond <= t.window
}

// FindDelivered returns the server message that draft m was delivered
// as, if the timeline holds one: a non-pending message that would have
// confirmed m.
func (t *Timeline) FindDelivered(m models.Message) (models.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *entry

	for _, e := range t.entries {
		if e.msg.Pending || !t.sameSend(m, e.msg) {
			continue
		}

		if best == nil || e.msg.Time < best.msg.Time || (e.msg.Time == best.msg.Time && e.seq < best.seq) {
			best = e
		}
	}

	if best == nil {
		return models.Message{}, false
	}

	return best.msg, true
}

// OptimisticInsert adds a local draft ahead of server acknowledgment. A
// placeholder identity is generated when the draft has none.
func (t *Timeline) OptimisticInsert(draft models.Message) models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if draft.ID == "" || !draft.IsLocal() {
		draft.ID = NewLocalID()
	}

	if draft.Time == 0 {
		draft.Time = t.now().UnixMilli()
	}

	draft.Conversation = t.ref
	draft.Pending = true
	draft.Attachment = cloneAttachment(draft.Attachment)

	delete(t.entries, draft.ID)
	t.insertLocked(draft)
	t.dirty = true

	return draft
}

// Confirm replaces a draft with the message the server returned for it.
// If the live echo already reconciled the draft, Confirm is a no-op.
func (t *Timeline) Confirm(localID string, m models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, hadDraft := t.entries[localID]
	if hadDraft {
		delete(t.entries, localID)
		t.dirty = true
	}

	if m.ID == "" {
		return hadDraft
	}

	if _, ok := t.entries[m.ID]; ok {
		return hadDraft
	}

	m.Conversation = t.ref
	m.Pending = false

	if m.Time == 0 {
		m.Time = t.now().UnixMilli()
	}

	t.insertLocked(m)
	t.dirty = true

	return true
}

// Discard removes a draft. Only placeholder identities are removed.
func (t *Timeline) Discard(localID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[localID]
	if !ok || !e.msg.Pending {
		return false
	}

	delete(t.entries, localID)
	t.dirty = true

	return true
}

// Remove deletes an entry after a local delete succeeded.
func (t *Timeline) Remove(id string) bool {
	return t.Apply(models.Event{Type: models.EventDelete, ID: id})
}

// MarkRead sets the read flag on one message.
func (t *Timeline) MarkRead(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.msg.Read {
		return false
	}

	e.msg.Read = true
	t.dirty = true

	return true
}

// Get returns a copy of one entry.
func (t *Timeline) Get(id string) (models.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return models.Message{}, false
	}

	return cloneMessage(e.msg), true
}

// Len returns the number of entries, drafts included.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Snapshot returns the messages newest first. Equal timestamps are
// ordered by insertion, most recent first. The result is a copy.
func (t *Timeline) Snapshot() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dirty || t.sorted == nil {
		t.rebuildLocked()
	}

	out := make([]models.Message, len(t.sorted))
	for i, m := range t.sorted {
		out[i] = cloneMessage(m)
	}

	return out
}

func (t *Timeline) rebuildLocked() {
	all := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, e)
	}

	slices.SortFunc(all, func(a, b *entry) int {
		if c := cmp.Compare(b.msg.Time, a.msg.Time); c != 0 {
			return c
		}

		return cmp.Compare(b.seq, a.seq)
	})

	t.sorted = make([]models.Message, len(all))
	for i, e := range all {
		t.sorted[i] = e.msg
	}

	t.dirty = false
}

func (t *Timeline) insertLocked(m models.Message) {
	t.seq++
	m.Attachment = cloneAttachment(m.Attachment)
	t.entries[m.ID] = &entry{msg: m, seq: t.seq}
}

func cloneAttachment(a *models.Attachment) *models.Attachment {
	if a == nil {
		return nil
	}

	c := *a

	return &c
}

func cloneMessage(m models.Message) models.Message {
	m.Attachment = cloneAttachment(m.Attachment)
	return m
}
