package msgbus

import (
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/localdb"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

// persistMessage is swappable for tests.
var persistMessage = localdb.InsertMessage

// newMessageID generates a client-side message ID for optimistic inserts.
var newMessageID = func() (string, error) {
	return gonanoid.New()
}

type entry struct {
	msg       domain.Message
	confirmed bool
}

// Bus merges locally-sent optimistic messages with the authoritative backend
// feed into one ordered, deduplicated sequence. Ordering is (TS, ID);
// presentation is exactly-once via ID dedup even though the network layer may
// deliver a message twice.
type Bus struct {
	mu         sync.Mutex
	sessionID  string
	seq        []entry
	windowSize int
	persist    bool

	subscribers map[int]chan domain.Message
	nextSubID   int
}

// New creates a Bus for one session. windowSize caps the overlay view;
// persist enables sqlite-backed history for the full-chat view.
func New(sessionID string, windowSize int, persist bool) *Bus {
	return &Bus{
		sessionID:   sessionID,
		windowSize:  windowSize,
		persist:     persist,
		subscribers: make(map[int]chan domain.Message),
	}
}

// NewLocalChat builds an optimistic chat message with a fresh client ID.
func NewLocalChat(userID, username, text string) (domain.Message, error) {
	id, err := newMessageID()
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:       id,
		Kind:     domain.KindChat,
		UserID:   userID,
		Username: username,
		Text:     text,
		TS:       time.Now().UnixMilli(),
	}, nil
}

// AddLocal inserts an optimistic message. It is shown immediately and kept at
// its position until the authoritative copy with the same ID confirms it.
func (b *Bus) AddLocal(msg domain.Message) {
	b.mu.Lock()
	added := b.insertLocked(msg, false)
	b.mu.Unlock()

	if added {
		b.notify(msg)
	}
}

// Ingest merges a batch of authoritative messages. A message whose ID matches
// an optimistic entry replaces it in place; unseen messages are inserted by
// (TS, ID) order. Duplicate authoritative deliveries are dropped.
func (b *Bus) Ingest(msgs []domain.Message) {
	var fresh []domain.Message

	b.mu.Lock()
	for _, msg := range msgs {
		if i, ok := b.indexOfLocked(msg.ID); ok {
			// Replace the optimistic copy in place, not duplicated.
			b.seq[i].msg = msg
			b.seq[i].confirmed = true
			continue
		}
		if b.insertLocked(msg, true) {
			fresh = append(fresh, msg)
		}
	}
	b.mu.Unlock()

	for _, msg := range fresh {
		b.notify(msg)
	}

	if b.persist {
		for _, msg := range msgs {
			if _, err := persistMessage(b.sessionID, msg); err != nil {
				logger.Warn("Failed to persist message", zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
	}
}

// Confirm marks a single optimistic message as authoritative, replacing its
// contents. Used when a send call returns the canonical copy directly.
func (b *Bus) Confirm(msg domain.Message) {
	b.Ingest([]domain.Message{msg})
}

// Window returns the overlay view: at most the configured number of entries,
// trimming Chat volume first. Gift, Join and Leave messages survive trimming.
func (b *Bus) Window() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.windowSize <= 0 || len(b.seq) <= b.windowSize {
		out := make([]domain.Message, len(b.seq))
		for i, e := range b.seq {
			out[i] = e.msg
		}
		return out
	}

	// Count how many chat messages fit after reserving room for every
	// non-chat message.
	nonChat := 0
	for _, e := range b.seq {
		if e.msg.Kind != domain.KindChat {
			nonChat++
		}
	}
	chatBudget := b.windowSize - nonChat
	if chatBudget < 0 {
		chatBudget = 0
	}

	// Walk from the tail so the newest chat messages win the budget.
	keep := make([]bool, len(b.seq))
	for i := len(b.seq) - 1; i >= 0; i-- {
		if b.seq[i].msg.Kind != domain.KindChat {
			keep[i] = true
			continue
		}
		if chatBudget > 0 {
			keep[i] = true
			chatBudget--
		}
	}

	out := make([]domain.Message, 0, b.windowSize)
	for i, k := range keep {
		if k {
			out = append(out, b.seq[i].msg)
		}
	}
	return out
}

// Log returns the full ordered sequence.
func (b *Bus) Log() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Message, len(b.seq))
	for i, e := range b.seq {
		out[i] = e.msg
	}
	return out
}

// LastAuthoritativeTS returns the newest confirmed timestamp, for use as the
// next poll cursor. Zero when nothing is confirmed yet.
func (b *Bus) LastAuthoritativeTS() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var last int64
	for _, e := range b.seq {
		if e.confirmed && e.msg.TS > last {
			last = e.msg.TS
		}
	}
	return last
}

// Subscribe registers a consumer for new messages. Slow consumers have
// messages dropped rather than blocking the bus.
func (b *Bus) Subscribe() (<-chan domain.Message, func()) {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan domain.Message, 64)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) notify(msg domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			logger.Warn("Message subscriber buffer full, dropping message",
				zap.Int("subscriber", id),
				zap.String("message_id", msg.ID))
		}
	}
}

// insertLocked places msg into the sequence by (TS, ID) order. Returns false
// when the ID is already present.
func (b *Bus) insertLocked(msg domain.Message, confirmed bool) bool {
	if _, ok := b.indexOfLocked(msg.ID); ok {
		return false
	}

	e := entry{msg: msg, confirmed: confirmed}
	pos := len(b.seq)
	for i := len(b.seq) - 1; i >= 0; i-- {
		if b.seq[i].msg.Before(msg) {
			break
		}
		pos = i
	}

	b.seq = append(b.seq, entry{})
	copy(b.seq[pos+1:], b.seq[pos:])
	b.seq[pos] = e
	return true
}

func (b *Bus) indexOfLocked(id string) (int, bool) {
	for i := range b.seq {
		if b.seq[i].msg.ID == id {
			return i, true
		}
	}
	return 0, false
}
