package chat

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
)

// Backend field names. Rooms identify messages by msg_id, groups by
// unique_id. Some payloads use a generic identity or id field instead.
const (
	fieldRoomID    = "msg_id"
	fieldGroupID   = "unique_id"
	fieldIdentity  = "identity"
	fieldID        = "id"
	fieldBody      = "messg"
	fieldFileLink  = "file_link"
	fieldFileName  = "file_name"
	fieldTime      = "time"
	fieldUserType  = "user_type"
	fieldUserID    = "userid"
	fieldRead      = "read"
	fieldSuccess   = "success"
	fieldErrorText = "error"
)

// identityFields returns the fields probed for a message identity, most
// specific first.
func identityFields(kind models.ConversationKind) []string {
	if kind == models.KindGroup {
		return []string{fieldGroupID, fieldRoomID, fieldIdentity, fieldID}
	}

	return []string{fieldRoomID, fieldGroupID, fieldIdentity, fieldID}
}

// probeIdentity returns the first non-empty identity in obj. Numbers and
// strings are both accepted.
func probeIdentity(obj gjson.Result, kind models.ConversationKind) string {
	for _, f := range identityFields(kind) {
		v := obj.Get(f)
		if !v.Exists() {
			continue
		}

		var id string

		switch v.Type {
		case gjson.String:
			id = strings.TrimSpace(v.Str)
		case gjson.Number:
			id = v.Raw
		}

		if id != "" {
			return id
		}
	}

	return ""
}

// parseTime accepts epoch millis as a number or a numeric string.
func parseTime(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, false
		}

		return n, true
	}

	return 0, false
}

// parseBool accepts true/false, 0/1 and "0"/"1".
func parseBool(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Int() != 0
	case gjson.String:
		return v.Str == "1" || strings.EqualFold(v.Str, "true")
	}

	return false
}

// decodeMessage normalizes one backend message object. The second
// return value reports whether the payload carried a usable timestamp.
func decodeMessage(ref models.ConversationRef, obj gjson.Result) (models.Message, bool, error) {
	return decodeMessageWithID(ref, obj, "")
}

// decodeMessageWithID is decodeMessage with an identity to fall back on
// when the object itself carries none.
func decodeMessageWithID(ref models.ConversationRef, obj gjson.Result, fallbackID string) (models.Message, bool, error) {
	if !obj.IsObject() {
		return models.Message{}, false, fmt.Errorf("%w: message is not an object", chaterrors.ErrMalformedResponse)
	}

	id := probeIdentity(obj, ref.Kind)
	if id == "" {
		id = fallbackID
	}

	if id == "" {
		return models.Message{}, false, fmt.Errorf("%w: message has no identity", chaterrors.ErrMalformedResponse)
	}

	msg := models.Message{
		ID:           id,
		Conversation: ref,
		Body:         obj.Get(fieldBody).String(),
		Read:         parseBool(obj.Get(fieldRead)),
	}

	ts, hasTime := parseTime(obj.Get(fieldTime))
	msg.Time = ts

	// Groups attribute messages to members; rooms to a role.
	if ref.Kind == models.KindGroup {
		msg.Sender = obj.Get(fieldUserID).String()
		if msg.Sender == "" {
			msg.Sender = obj.Get(fieldUserType).String()
		}
	} else {
		msg.Sender = obj.Get(fieldUserType).String()
	}

	link := obj.Get(fieldFileLink).String()
	name := obj.Get(fieldFileName).String()

	if link != "" || name != "" {
		msg.Attachment = &models.Attachment{Link: link, Name: name}
	}

	return msg, hasTime, nil
}

// decodeSnapshot parses a snapshot body. The backend wraps the list in
// {"messages": [...]}; a bare array is also accepted. Entries without an
// identity are skipped. The returned count is the number skipped.
func decodeSnapshot(ref models.ConversationRef, body []byte) ([]models.Message, int, error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, fmt.Errorf("%w: snapshot body is not JSON", chaterrors.ErrMalformedResponse)
	}

	root := gjson.ParseBytes(body)

	var list gjson.Result

	switch {
	case root.IsArray():
		list = root
	case root.IsObject():
		if s := root.Get(fieldSuccess); s.Exists() && !s.Bool() {
			return nil, 0, fmt.Errorf("%w: %s", chaterrors.ErrRejected, envelopeError(root))
		}

		for _, key := range []string{"messages", "data"} {
			if v := root.Get(key); v.IsArray() {
				list = v
				break
			}
		}

		if !list.Exists() {
			// An envelope with no list means no messages yet.
			return []models.Message{}, 0, nil
		}
	default:
		return nil, 0, fmt.Errorf("%w: unexpected snapshot shape", chaterrors.ErrMalformedResponse)
	}

	msgs := make([]models.Message, 0, len(list.Array()))
	skipped := 0

	list.ForEach(func(_, v gjson.Result) bool {
		msg, _, err := decodeMessage(ref, v)
		if err != nil {
			skipped++
			return true
		}

		msgs = append(msgs, msg)

		return true
	})

	return msgs, skipped, nil
}

// decodeEvent parses a live event payload: {type, msg?, msg_id|unique_id|identity?}.
func decodeEvent(ref models.ConversationRef, data gjson.Result) (models.Event, error) {
	if !data.IsObject() {
		return models.Event{}, fmt.Errorf("%w: payload is not an object", chaterrors.ErrEventDropped)
	}

	ev := models.Event{Type: models.EventType(data.Get("type").String())}
	if !ev.Type.Known() {
		return models.Event{}, fmt.Errorf("%w: unknown type %q", chaterrors.ErrEventDropped, ev.Type)
	}

	switch ev.Type {
	case models.EventBulkDelete:
		return ev, nil

	case models.EventDelete:
		ev.ID = probeIdentity(data, ref.Kind)
		if ev.ID == "" {
			ev.ID = probeIdentity(data.Get("msg"), ref.Kind)
		}

		if ev.ID == "" {
			return models.Event{}, fmt.Errorf("%w: delete without identity", chaterrors.ErrEventDropped)
		}

		return ev, nil
	}

	raw := data.Get("msg")
	if !raw.IsObject() {
		return models.Event{}, fmt.Errorf("%w: %s without message", chaterrors.ErrEventDropped, ev.Type)
	}

	// The identity may live beside the message rather than inside it.
	msg, hasTime, err := decodeMessageWithID(ref, raw, probeIdentity(data, ref.Kind))
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: %w", chaterrors.ErrEventDropped, err)
	}

	ev.ID = msg.ID
	ev.Message = &msg
	ev.HasTime = hasTime

	return ev, nil
}

// decodeSendResult parses a send or upload response envelope. A JSON
// body with success:false yields ErrRejected. The created message is
// returned when the envelope carries one.
func decodeSendResult(ref models.ConversationRef, body []byte) (*models.Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", chaterrors.ErrMalformedResponse)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: body is not an object", chaterrors.ErrMalformedResponse)
	}

	success := root.Get(fieldSuccess)
	if !success.Exists() {
		return nil, fmt.Errorf("%w: envelope has no success field", chaterrors.ErrMalformedResponse)
	}

	if !success.Bool() {
		return nil, fmt.Errorf("%w: %s", chaterrors.ErrRejected, envelopeError(root))
	}

	for _, key := range []string{"message", "msg", "data"} {
		v := root.Get(key)
		if !v.IsObject() {
			continue
		}

		msg, _, err := decodeMessage(ref, v)
		if err == nil {
			return &msg, nil
		}
	}

	return nil, nil
}

// decodeAck validates the body of an action that returns no data. An
// empty body is accepted; anything else must be JSON and must not carry
// success:false.
func decodeAck(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: body is not JSON", chaterrors.ErrMalformedResponse)
	}

	root := gjson.ParseBytes(body)
	if s := root.Get(fieldSuccess); s.Exists() && !s.Bool() {
		return fmt.Errorf("%w: %s", chaterrors.ErrRejected, envelopeError(root))
	}

	return nil
}

// envelopeError extracts the server's error text from a failed envelope.
func envelopeError(root gjson.Result) string {
	for _, key := range []string{fieldErrorText, "message"} {
		if v := root.Get(key); v.Type == gjson.String && v.Str != "" {
			return sanitizeResponseBody([]byte(v.Str))
		}
	}

	return "no error message"
}
