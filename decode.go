package commentsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// UnknownAuthor is used when a message arrives without a usable author.
const UnknownAuthor = "Unknown"

func newMessageID() string {
	return uuid.NewString()
}

// newLocalID returns an id for an optimistic entry. UUIDv7 keeps local ids
// sortable by creation time.
func newLocalID() string {
	return "local-" + uuid.Must(uuid.NewV7()).String()
}

// ============================================================================
// Timestamps
// ============================================================================

// timestampLayouts are tried in order: microsecond fraction with offset,
// millisecond fraction with offset, no fraction with offset.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000000Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05Z07:00",
}

// genericLayouts back up timestampLayouts for servers that drop the offset
// or use a space separator. Offset-less values are read as UTC.
var genericLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp runs the fallback chain. ok is false when every layout
// failed; callers then substitute the current time.
func parseTimestamp(s string) (t time.Time, ok bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	for _, layout := range genericLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func epochSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// ============================================================================
// Inbound frames
// ============================================================================

var errNotObject = errors.New("frame is not a JSON object")

// inboundWire mirrors the inbound frame with every field optional.
type inboundWire struct {
	ID        *string         `json:"id"`
	Author    *string         `json:"author"`
	Text      *string         `json:"text"`
	AvatarURL *string         `json:"avatar_url"`
	CreatedAt json.RawMessage `json:"created_at"`
	LikeCount *int            `json:"like_count"`
	LikedByMe *bool           `json:"liked_by_me"`
}

// decodeMessage decodes one message object, filling every absent field
// from the default table:
//
//	id          fresh id
//	author      "Unknown"
//	text        ""
//	avatar_url  none
//	created_at  now (ISO 8601 string or epoch seconds accepted)
//	like_count  0
//	liked_by_me false
//
// It fails when data is not an object or a field has the wrong JSON type.
func decodeMessage(data []byte, now func() time.Time, newID func() string) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, errNotObject
	}

	var w inboundWire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Message{}, err
	}

	msg := Message{
		Author: UnknownAuthor,
	}
	if w.ID != nil && *w.ID != "" {
		msg.ID = *w.ID
	} else {
		msg.ID = newID()
	}
	if w.Author != nil {
		msg.Author = *w.Author
	}
	if w.Text != nil {
		msg.Text = *w.Text
	}
	if w.AvatarURL != nil {
		msg.AvatarURL = validAvatar(*w.AvatarURL)
	}
	if w.LikeCount != nil && *w.LikeCount > 0 {
		msg.LikeCount = *w.LikeCount
	}
	if w.LikedByMe != nil {
		msg.LikedByMe = *w.LikedByMe
	}

	created, err := decodeCreatedAt(w.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	if created.IsZero() {
		created = now().UTC()
	}
	msg.CreatedAt = created
	return msg, nil
}

// decodeCreatedAt returns the zero time when the field is absent, null or
// an unparseable string.
func decodeCreatedAt(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if t, ok := parseTimestamp(s); ok {
			return t, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochSeconds(f), nil
		}
		return time.Time{}, nil
	default:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return time.Time{}, err
		}
		return epochSeconds(f), nil
	}
}

// decodeFrame turns a raw stream frame into a Message. A frame that does
// not decode is never dropped: it becomes a degraded message carrying the
// raw payload as its text, and degraded is true.
func decodeFrame(data []byte, now func() time.Time, newID func() string) (msg Message, degraded bool, err error) {
	msg, err = decodeMessage(data, now, newID)
	if err == nil {
		return msg, false, nil
	}
	return Message{
		ID:        newID(),
		Author:    UnknownAuthor,
		Text:      string(data),
		CreatedAt: now().UTC(),
	}, true, err
}

// ============================================================================
// Catch-up DTO mapping
// ============================================================================

// Message maps a history entry to a canonical Message. timestampOK is false
// when created_at could not be parsed and now was substituted.
func (d CommentDTO) Message(now time.Time) (msg Message, timestampOK bool) {
	msg = Message{
		ID:     strconv.Itoa(d.CommentID),
		Author: d.Nickname,
		Text:   d.Content,
	}
	if msg.Author == "" {
		msg.Author = UnknownAuthor
	}
	if d.AvatarURL != nil {
		msg.AvatarURL = validAvatar(*d.AvatarURL)
	}
	created, ok := parseTimestamp(d.CreatedAt)
	if !ok {
		created = now.UTC()
	}
	msg.CreatedAt = created
	return msg, ok
}
