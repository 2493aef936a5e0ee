package commentsync

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"
)

// ============================================================================
// Message
// ============================================================================

// Message is one comment in a conversation feed.
//
// Messages are ordered by (CreatedAt, ID) ascending. CreatedAt is always
// held in UTC so that values survive a persistence round trip unchanged.
type Message struct {
	ID        string
	Author    string
	Text      string
	AvatarURL string // empty when the author has no avatar
	CreatedAt time.Time
	LikeCount int
	LikedByMe bool
}

// Before reports whether m sorts before o in canonical order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// RelativeAge renders the message age the way the comments sheet shows it:
// "now", "Nm" under an hour, "Nh" otherwise. A timestamp more than a minute
// in the future renders as "1h".
func (m Message) RelativeAge(now time.Time) string {
	minutes := int(now.Sub(m.CreatedAt) / time.Minute)
	hours := minutes / 60
	switch {
	case minutes == 0:
		return "now"
	case hours == 0 && minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%dh", max(1, hours))
	}
}

// messageWire is the JSON shape used for stream frames, publish responses
// and the persisted cache.
type messageWire struct {
	ID        string  `json:"id"`
	Author    string  `json:"author"`
	Text      string  `json:"text"`
	AvatarURL *string `json:"avatar_url"`
	CreatedAt string  `json:"created_at"`
	LikeCount int     `json:"like_count"`
	LikedByMe bool    `json:"liked_by_me"`
}

// MarshalJSON encodes the message with an RFC 3339 timestamp and a null
// avatar_url when no avatar is set.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		ID:        m.ID,
		Author:    m.Author,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		LikeCount: m.LikeCount,
		LikedByMe: m.LikedByMe,
	}
	if m.AvatarURL != "" {
		avatar := m.AvatarURL
		w.AvatarURL = &avatar
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a message using the tolerant per-field defaults
// (see decodeMessage). It fails only when data is not a JSON object of the
// expected field types.
func (m *Message) UnmarshalJSON(data []byte) error {
	msg, err := decodeMessage(data, time.Now, newMessageID)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// sortMessages sorts in place by (CreatedAt, ID).
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// ============================================================================
// Outgoing message
// ============================================================================

// OutgoingMessage is a locally composed comment on its way to the server.
type OutgoingMessage struct {
	Author    string
	Text      string
	AvatarURL string
	CreatedAt time.Time
}

type outgoingWire struct {
	Author    string  `json:"author"`
	Text      string  `json:"text"`
	AvatarURL *string `json:"avatarURL"`
	CreatedAt string  `json:"createdAt"`
}

// MarshalJSON encodes the outbound frame shape shared by the stream and
// the publish endpoint.
func (o OutgoingMessage) MarshalJSON() ([]byte, error) {
	w := outgoingWire{
		Author:    o.Author,
		Text:      o.Text,
		CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if o.AvatarURL != "" {
		avatar := o.AvatarURL
		w.AvatarURL = &avatar
	}
	return json.Marshal(w)
}

// ============================================================================
// Catch-up DTO
// ============================================================================

// CommentDTO is one entry of the catch-up history response.
type CommentDTO struct {
	CommentID int     `json:"comment_id"`
	VideoID   int     `json:"video_id"`
	UserID    int     `json:"user_id"`
	Nickname  string  `json:"nickname"`
	AvatarURL *string `json:"avatar_url"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionStatus is the coarse state of the streaming transport.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusFailed       ConnectionStatus = "failed"
)

// ConnectionState is a transport state transition. Err is set only when
// Status is StatusFailed.
type ConnectionState struct {
	Status ConnectionStatus
	Err    error
}

func (s ConnectionState) String() string {
	if s.Status == StatusFailed && s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.Status, s.Err)
	}
	return string(s.Status)
}

func validAvatar(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.String()
}
