package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"
)

// changesChanSize bounds the change notification channel. Notifications
// are dropped rather than blocking event delivery.
const changesChanSize = 64

// eventSource is the part of Transport the coordinator uses.
type eventSource interface {
	Subscribe(topic string, handler Handler) *Subscription
	Unsubscribe(sub *Subscription)
}

// joinWaiter is implemented by event sources that can report when a new
// subscription starts receiving events.
type joinWaiter interface {
	WaitJoined(ctx context.Context, sub *Subscription) bool
}

// CoordinatorConfig holds the collaborators for NewCoordinator. State
// may be nil, in which case failed sends are not kept for retry.
type CoordinatorConfig struct {
	Client   *Client
	Events   eventSource
	Stager   *Stager
	Uploader *Uploader
	State    *state.State
	Metrics  *metrics.Metrics

	// Role is the sender for direct rooms. AdminID is the sender for
	// groups, falling back to Role when empty.
	Role    string
	AdminID string

	ReconcileWindow time.Duration

	// AllowDegradedUpload tries the original reference when staging
	// fails instead of returning the staging error.
	AllowDegradedUpload bool
}

// conversation is the per-open-conversation binding of a subscription
// and a timeline.
type conversation struct {
	ref      models.ConversationRef
	timeline *Timeline
	sub      *Subscription

	mu         sync.Mutex
	seeded     bool
	closed     bool
	buffered   []gjson.Result
	autoscroll bool
	scroll     chan struct{}
}

// Coordinator owns the open conversations. Each open conversation has
// exactly one transport subscription and one timeline.
type Coordinator struct {
	client   *Client
	events   eventSource
	stager   *Stager
	uploader *Uploader
	state    *state.State
	metrics  *metrics.Metrics
	logger   *slog.Logger

	role          string
	adminID       string
	window        time.Duration
	allowDegraded bool

	mu    sync.Mutex
	convs map[models.ConversationRef]*conversation

	changes chan models.ConversationRef
}

// NewCoordinator creates a Coordinator with no open conversations.
func NewCoordinator(cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	role := cfg.Role
	if role == "" {
		role = models.SenderAdmin
	}

	return &Coordinator{
		client:        cfg.Client,
		events:        cfg.Events,
		stager:        cfg.Stager,
		uploader:      cfg.Uploader,
		state:         cfg.State,
		metrics:       cfg.Metrics,
		logger:        logger,
		role:          role,
		adminID:       cfg.AdminID,
		window:        cfg.ReconcileWindow,
		allowDegraded: cfg.AllowDegradedUpload,
		convs:         make(map[models.ConversationRef]*conversation),
		changes:       make(chan models.ConversationRef, changesChanSize),
	}
}

// senderFor returns the sender identity used on drafts and sends.
func (c *Coordinator) senderFor(ref models.ConversationRef) string {
	if ref.Kind == models.KindGroup && c.adminID != "" {
		return c.adminID
	}

	return c.role
}

// Open binds a conversation: subscribe first, fetch the snapshot, seed,
// then replay whatever arrived in between. Opening an open conversation
// is a no-op. A failed fetch leaves nothing behind and is not retried.
func (c *Coordinator) Open(ctx context.Context, ref models.ConversationRef) error {
	if !ref.Valid() {
		return fmt.Errorf("invalid conversation %q", ref.String())
	}

	if c.IsOpen(ref) {
		return nil
	}

	conv := &conversation{
		ref:        ref,
		timeline:   NewTimeline(ref, c.window, c.logger),
		autoscroll: true,
		scroll:     make(chan struct{}, 1),
	}

	// conv.sub is set before conv is reachable, so a Close at any later
	// point releases it.
	conv.sub = c.events.Subscribe(ref.Topic(), func(data gjson.Result) {
		c.handleEvent(conv, data)
	})

	c.mu.Lock()
	if _, ok := c.convs[ref]; ok {
		c.mu.Unlock()
		c.events.Unsubscribe(conv.sub)

		return nil
	}
	c.convs[ref] = conv
	c.mu.Unlock()

	if w, ok := c.events.(joinWaiter); ok && !w.WaitJoined(ctx, conv.sub) {
		c.logger.Debug("fetching snapshot before the topic join was confirmed",
			slog.String("conversation", ref.String()),
		)
	}

	msgs, err := c.client.Snapshot(ctx, ref)
	if err != nil {
		c.mu.Lock()
		if c.convs[ref] == conv {
			delete(c.convs, ref)
		}
		c.mu.Unlock()

		c.detach(conv)

		return fmt.Errorf("opening %s: %w", ref, err)
	}

	conv.mu.Lock()
	if conv.closed {
		conv.mu.Unlock()
		return fmt.Errorf("opening %s: %w", ref, chaterrors.ErrNotOpen)
	}

	conv.timeline.Seed(msgs)

	replayed := conv.buffered
	conv.buffered = nil

	for _, data := range replayed {
		c.applyLocked(conv, data)
	}

	conv.seeded = true
	conv.signalScrollLocked()
	conv.mu.Unlock()

	c.metrics.ConversationOpened()
	c.notify(ref)

	c.logger.Info("conversation opened",
		slog.String("conversation", ref.String()),
		slog.Int("messages", conv.timeline.Len()),
		slog.Int("replayed", len(replayed)),
	)

	return nil
}

// Close unbinds a conversation and discards its timeline. Pending scroll
// signals are drained and the signal channel is closed. Events that
// arrive afterwards have no effect.
func (c *Coordinator) Close(ref models.ConversationRef) error {
	c.mu.Lock()
	conv, ok := c.convs[ref]
	if ok {
		delete(c.convs, ref)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("closing %s: %w", ref, chaterrors.ErrNotOpen)
	}

	conv.mu.Lock()
	wasSeeded := conv.seeded
	conv.mu.Unlock()

	c.detach(conv)

	if wasSeeded {
		c.metrics.ConversationClosed()
	}

	c.logger.Info("conversation closed", slog.String("conversation", ref.String()))

	return nil
}

// CloseAll closes every open conversation.
func (c *Coordinator) CloseAll() {
	for _, ref := range c.OpenConversations() {
		if err := c.Close(ref); err != nil {
			c.logger.Debug("close during shutdown", slog.String("conversation", ref.String()), slog.String("error", err.Error()))
		}
	}
}

// detach marks conv closed and releases its subscription. Only the first
// call unsubscribes.
func (c *Coordinator) detach(conv *conversation) {
	conv.mu.Lock()
	first := !conv.closed
	if first {
		conv.closed = true
		conv.buffered = nil

		select {
		case <-conv.scroll:
		default:
		}

		close(conv.scroll)
	}
	conv.mu.Unlock()

	if first {
		c.events.Unsubscribe(conv.sub)
	}
}

// handleEvent runs on the transport loop for every event on the topic.
func (c *Coordinator) handleEvent(conv *conversation, data gjson.Result) {
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.closed {
		return
	}

	if !conv.seeded {
		conv.buffered = append(conv.buffered, data)
		return
	}

	if c.applyLocked(conv, data) {
		conv.signalScrollLocked()
		c.notify(conv.ref)
	}
}

// applyLocked decodes and applies one event. Caller holds conv.mu.
func (c *Coordinator) applyLocked(conv *conversation, data gjson.Result) bool {
	ev, err := decodeEvent(conv.ref, data)
	if err != nil {
		c.metrics.EventDropped()
		c.logger.Warn("dropping live event",
			slog.String("conversation", conv.ref.String()),
			slog.String("error", err.Error()),
		)

		return false
	}

	var (
		prev    models.Message
		hadPrev bool
	)

	if ev.Type == models.EventEdit {
		prev, hadPrev = conv.timeline.Get(ev.ID)
	}

	if !conv.timeline.Apply(ev) {
		return false
	}

	c.metrics.EventApplied(string(ev.Type))

	if hadPrev && prev.Body != ev.Message.Body {
		c.logEdit(conv.ref, ev.ID, prev.Body, ev.Message.Body)
	}

	return true
}

// logEdit records an edit as a diff-match-patch delta so the audit log
// shows what changed without repeating both bodies.
func (c *Coordinator) logEdit(ref models.ConversationRef, id, before, after string) {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	c.logger.Info("message edited",
		slog.String("conversation", ref.String()),
		slog.String("id", id),
		slog.Int("distance", dmp.DiffLevenshtein(diffs)),
		slog.String("delta", dmp.DiffToDelta(diffs)),
	)
}

func (conv *conversation) signalScrollLocked() {
	if conv.closed || !conv.autoscroll {
		return
	}

	select {
	case conv.scroll <- struct{}{}:
	default:
	}
}

func (c *Coordinator) notify(ref models.ConversationRef) {
	select {
	case c.changes <- ref:
	default:
	}
}

// Changes delivers the ref of a conversation whenever its timeline
// changed. Notifications are dropped when the reader falls behind.
func (c *Coordinator) Changes() <-chan models.ConversationRef {
	return c.changes
}

func (c *Coordinator) lookup(ref models.ConversationRef) (*conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, chaterrors.ErrNotOpen)
	}

	return conv, nil
}

// IsOpen reports whether ref is open.
func (c *Coordinator) IsOpen(ref models.ConversationRef) bool {
	_, err := c.lookup(ref)
	return err == nil
}

// OpenConversations returns the open conversations, sorted by topic.
func (c *Coordinator) OpenConversations() []models.ConversationRef {
	c.mu.Lock()
	refs := make([]models.ConversationRef, 0, len(c.convs))
	for ref := range c.convs {
		refs = append(refs, ref)
	}
	c.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].Topic() < refs[j].Topic() })

	return refs
}

// Snapshot returns the conversation's messages, newest first.
func (c *Coordinator) Snapshot(ref models.ConversationRef) ([]models.Message, error) {
	conv, err := c.lookup(ref)
	if err != nil {
		return nil, err
	}

	return conv.timeline.Snapshot(), nil
}

// ScrollSignals returns the channel that receives a value whenever the
// view should scroll to the newest message. It is closed by Close and is
// nil for conversations that are not open.
func (c *Coordinator) ScrollSignals(ref models.ConversationRef) <-chan struct{} {
	conv, err := c.lookup(ref)
	if err != nil {
		return nil
	}

	return conv.scroll
}

// UserScrolled disables autoscroll until the conversation is reopened.
func (c *Coordinator) UserScrolled(ref models.ConversationRef) {
	conv, err := c.lookup(ref)
	if err != nil {
		return
	}

	conv.mu.Lock()
	conv.autoscroll = false

	select {
	case <-conv.scroll:
	default:
	}
	conv.mu.Unlock()
}

// changed signals scroll and change listeners after a local mutation.
func (c *Coordinator) changed(conv *conversation) {
	conv.mu.Lock()
	conv.signalScrollLocked()
	conv.mu.Unlock()

	c.notify(conv.ref)
}

// SendText sends a text message with an optimistic draft. On success the
// server's message is returned. When the backend acknowledges without
// echoing the record, the pending draft is returned and is reconciled
// by the live echo. On failure the draft is rolled back, kept in the
// outbox under its local id, and returned alongside the error.
func (c *Coordinator) SendText(ctx context.Context, ref models.ConversationRef, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, errors.New("message body is empty")
	}

	conv, err := c.lookup(ref)
	if err != nil {
		return models.Message{}, err
	}

	return c.sendText(ctx, conv, "", body, 0)
}

func (c *Coordinator) sendText(ctx context.Context, conv *conversation, localID, body string, attempts int) (models.Message, error) {
	sender := c.senderFor(conv.ref)

	draft := conv.timeline.OptimisticInsert(models.Message{
		ID:     localID,
		Sender: sender,
		Body:   body,
	})
	c.changed(conv)

	msg, err := c.client.SendText(ctx, conv.ref, sender, body)
	if err != nil {
		if echo, ok := c.rollback(conv, draft, state.OutboxEntry{Attempts: attempts + 1}, err); ok {
			return echo, nil
		}

		return draft, err
	}

	return c.confirm(conv, draft, msg), nil
}

// AttachmentResult is the outcome of SendAttachment. Descriptor.Degraded
// is set when staging failed and the original reference was uploaded.
type AttachmentResult struct {
	Message    models.Message
	Descriptor models.AttachmentDescriptor
}

// SendAttachment stages ref, inserts a draft, and uploads it with an
// optional caption. Staging failures return a *StagingError unless
// degraded uploads are allowed. Upload failures roll back the draft and
// keep it in the outbox.
func (c *Coordinator) SendAttachment(ctx context.Context, ref models.ConversationRef, sourceRef, name, mimeHint, caption string, progress Progress) (AttachmentResult, error) {
	conv, err := c.lookup(ref)
	if err != nil {
		return AttachmentResult{}, err
	}

	return c.sendAttachment(ctx, conv, "", sourceRef, name, mimeHint, caption, progress, 0)
}

func (c *Coordinator) sendAttachment(ctx context.Context, conv *conversation, localID, sourceRef, name, mimeHint, caption string, progress Progress, attempts int) (AttachmentResult, error) {
	desc, err := c.stager.Stage(ctx, sourceRef, name, mimeHint)
	if err != nil {
		var se *StagingError
		if !c.allowDegraded || !errors.As(err, &se) {
			return AttachmentResult{}, err
		}

		c.logger.Warn("staging failed, uploading original reference",
			slog.String("conversation", conv.ref.String()),
			slog.String("source", sourceRef),
			slog.String("error", err.Error()),
		)

		desc = se.Fallback
	}
	defer c.stager.Release(desc)

	sender := c.senderFor(conv.ref)

	draft := conv.timeline.OptimisticInsert(models.Message{
		ID:         localID,
		Sender:     sender,
		Body:       caption,
		Attachment: &models.Attachment{Name: desc.Name},
	})
	c.changed(conv)

	msg, err := c.uploader.Send(ctx, &desc, caption, conv.ref, sender, progress)
	if err != nil {
		echo, ok := c.rollback(conv, draft, state.OutboxEntry{
			SourceURI: sourceRef,
			FileName:  desc.Name,
			MIMEType:  desc.MIMEType,
			Attempts:  attempts + 1,
		}, err)
		if ok {
			desc.State = models.TransferDelivered
			return AttachmentResult{Message: echo, Descriptor: desc}, nil
		}

		return AttachmentResult{Message: draft, Descriptor: desc}, err
	}

	return AttachmentResult{Message: c.confirm(conv, draft, msg), Descriptor: desc}, nil
}

func (c *Coordinator) confirm(conv *conversation, draft models.Message, msg *models.Message) models.Message {
	if msg == nil {
		return draft
	}

	if conv.timeline.Confirm(draft.ID, *msg) {
		c.changed(conv)
	}

	confirmed := *msg
	confirmed.Conversation = conv.ref

	return confirmed
}

// rollback removes a failed draft and records it for Retry. A draft
// that is no longer in the timeline was either deleted or already
// replaced by its live echo; neither is recorded, and the echo is
// returned with ok set so the caller can report the send as delivered.
func (c *Coordinator) rollback(conv *conversation, draft models.Message, entry state.OutboxEntry, cause error) (models.Message, bool) {
	if !conv.timeline.Discard(draft.ID) {
		echo, ok := conv.timeline.FindDelivered(draft)

		c.logger.Info("send reported failure after the draft left the timeline, not recording",
			slog.String("conversation", conv.ref.String()),
			slog.String("local_id", draft.ID),
			slog.Bool("echoed", ok),
			slog.String("error", cause.Error()),
		)

		if ok {
			echo.Conversation = conv.ref
		}

		return echo, ok
	}

	c.changed(conv)

	c.logger.Warn("send failed, draft rolled back",
		slog.String("conversation", conv.ref.String()),
		slog.String("local_id", draft.ID),
		slog.String("error", cause.Error()),
	)

	if c.state == nil {
		return models.Message{}, false
	}

	entry.LocalID = draft.ID
	entry.Conversation = conv.ref
	entry.Sender = draft.Sender
	entry.Body = draft.Body
	entry.CreatedAt = draft.Time
	entry.LastError = cause.Error()
	entry.Unconfirmed = errors.Is(cause, chaterrors.ErrMalformedResponse)

	if err := c.state.PutOutbox(entry); err != nil {
		c.logger.Warn("recording failed send", slog.String("local_id", draft.ID), slog.String("error", err.Error()))
	}

	return models.Message{}, false
}

// Outbox lists failed sends for a conversation, oldest first. A zero ref
// lists all of them.
func (c *Coordinator) Outbox(ref models.ConversationRef) ([]state.OutboxEntry, error) {
	if c.state == nil {
		return nil, nil
	}

	return c.state.ListOutbox(ref)
}

// Retry resubmits a failed send once. The entry is removed from the
// outbox before sending, so concurrent retries of the same id cannot
// both submit; a failed retry puts it back.
func (c *Coordinator) Retry(ctx context.Context, localID string) (models.Message, error) {
	if c.state == nil {
		return models.Message{}, fmt.Errorf("retrying %s: %w", localID, chaterrors.ErrDraftNotFound)
	}

	pending, err := c.state.GetOutbox(localID)
	if err != nil {
		return models.Message{}, fmt.Errorf("retrying %s: %w", localID, err)
	}

	if pending == nil {
		return models.Message{}, fmt.Errorf("retrying %s: %w", localID, chaterrors.ErrDraftNotFound)
	}

	conv, err := c.lookup(pending.Conversation)
	if err != nil {
		return models.Message{}, fmt.Errorf("retrying %s: %w", localID, err)
	}

	entry, err := c.state.TakeOutbox(localID)
	if err != nil {
		return models.Message{}, fmt.Errorf("retrying %s: %w", localID, err)
	}

	// The backend may have stored an unconfirmed send; its echo settles it.
	if entry.Unconfirmed {
		if echo, ok := conv.timeline.FindDelivered(entry.Draft()); ok {
			c.logger.Info("unconfirmed send was delivered, not resubmitting",
				slog.String("conversation", conv.ref.String()),
				slog.String("local_id", localID),
				slog.String("id", echo.ID),
			)

			echo.Conversation = conv.ref

			return echo, nil
		}
	}

	c.logger.Info("retrying send",
		slog.String("conversation", conv.ref.String()),
		slog.String("local_id", localID),
		slog.Int("attempt", entry.Attempts+1),
	)

	if !entry.HasAttachment() {
		return c.sendText(ctx, conv, entry.LocalID, entry.Body, entry.Attempts)
	}

	res, err := c.sendAttachment(ctx, conv, entry.LocalID, entry.SourceURI, entry.FileName, entry.MIMEType, entry.Body, nil, entry.Attempts)
	if err != nil && res.Message.ID == "" {
		// Staging failed before a draft existed; keep the entry.
		entry.Attempts++
		entry.LastError = err.Error()

		if putErr := c.state.PutOutbox(entry); putErr != nil {
			c.logger.Warn("restoring outbox entry", slog.String("local_id", localID), slog.String("error", putErr.Error()))
		}
	}

	return res.Message, err
}

// Delete removes a message. Drafts are dropped locally along with any
// outbox entry; server messages are deleted on the backend first and
// only then removed from the timeline.
func (c *Coordinator) Delete(ctx context.Context, ref models.ConversationRef, id string) error {
	if strings.HasPrefix(id, models.LocalIDPrefix) {
		if conv, err := c.lookup(ref); err == nil && conv.timeline.Discard(id) {
			c.changed(conv)
		}

		if c.state != nil {
			if err := c.state.DeleteOutbox(id); err != nil {
				return fmt.Errorf("deleting draft %s: %w", id, err)
			}
		}

		return nil
	}

	if err := c.client.Delete(ctx, ref, id); err != nil {
		return err
	}

	if conv, err := c.lookup(ref); err == nil && conv.timeline.Remove(id) {
		c.changed(conv)
	}

	return nil
}

// MarkRead acknowledges a message on the backend and flags it locally.
func (c *Coordinator) MarkRead(ctx context.Context, ref models.ConversationRef, id string) error {
	if err := c.client.MarkRead(ctx, ref, id); err != nil {
		return err
	}

	if conv, err := c.lookup(ref); err == nil && conv.timeline.MarkRead(id) {
		c.notify(ref)
	}

	return nil
}
