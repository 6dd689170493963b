package domain

// MessageKind tags the variant carried by a Message.
type MessageKind string

const (
	KindChat  MessageKind = "chat"
	KindJoin  MessageKind = "join"
	KindLeave MessageKind = "leave"
	KindGift  MessageKind = "gift"
)

// Message is one entry in a session's event sequence. ID is globally unique
// and is the dedup key between optimistic and authoritative copies. TS is
// unix milliseconds; ordering is by (TS, ID).
type Message struct {
	ID       string      `json:"id"`
	Kind     MessageKind `json:"kind"`
	UserID   string      `json:"user_id"`
	Username string      `json:"username,omitempty"`
	Text     string      `json:"text,omitempty"`
	GiftID   string      `json:"gift_id,omitempty"`
	Cost     int         `json:"cost,omitempty"`
	TS       int64       `json:"ts"`
}

// Before reports whether m sorts ahead of other under (TS, ID) ordering.
func (m Message) Before(other Message) bool {
	if m.TS != other.TS {
		return m.TS < other.TS
	}
	return m.ID < other.ID
}
