package gift

import (
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

// AnimationToken is a transient handle for a gift animation. Expiry removes
// it even when no listener ever acknowledges it.
type AnimationToken struct {
	ID        string    `json:"id"`
	GiftID    string    `json:"gift_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Animations holds live animation tokens and sweeps them on expiry.
type Animations struct {
	mu     sync.RWMutex
	tokens map[string]*AnimationToken
	ttl    time.Duration
}

// NewAnimations creates a token store with the given time-to-live.
func NewAnimations(ttl time.Duration) *Animations {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Animations{
		tokens: make(map[string]*AnimationToken),
		ttl:    ttl,
	}
}

// Issue registers a new token and schedules its removal.
func (a *Animations) Issue(giftID, userID string) (*AnimationToken, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	token := &AnimationToken{
		ID:        id,
		GiftID:    giftID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}

	a.mu.Lock()
	a.tokens[id] = token
	a.mu.Unlock()

	time.AfterFunc(a.ttl, func() {
		a.remove(id)
	})

	return token, nil
}

// Get returns a live token by ID.
func (a *Animations) Get(id string) (*AnimationToken, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tokens[id]
	return t, ok
}

// Active returns all live tokens, newest first.
func (a *Animations) Active() []*AnimationToken {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*AnimationToken, 0, len(a.tokens))
	for _, t := range a.tokens {
		out = append(out, t)
	}
	for i := 0; i < len(out)-1; i++ {
		for j := i + 1; j < len(out); j++ {
			if out[i].CreatedAt.Before(out[j].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Acknowledge removes a token early once the UI has played it.
func (a *Animations) Acknowledge(id string) {
	a.remove(id)
}

func (a *Animations) remove(id string) {
	a.mu.Lock()
	_, exists := a.tokens[id]
	if exists {
		delete(a.tokens, id)
	}
	a.mu.Unlock()

	if exists {
		logger.Debug("Animation token removed", zap.String("id", id))
	}
}
