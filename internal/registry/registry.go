package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("participant not found")
	ErrNotViewer     = errors.New("only a viewer can be promoted")
	ErrSeatsFull     = errors.New("no guest seats available")
	ErrTargetIsHost  = errors.New("host cannot be removed")
	ErrInvalidTarget = errors.New("invalid invite target")
)

// Registry mirrors the backend's participant list for one live session. It is
// a read-through store: mutations are sent to the backend and the local view
// changes only when a refreshed session detail confirms them. Promotion and
// removal are security-sensitive, so there are no optimistic updates here.
type Registry struct {
	mu           sync.RWMutex
	maxSeats     int
	participants map[string]domain.Participant
	onChanged    func([]domain.Participant)
}

// New creates a registry for a session with the given seat capacity.
// onChanged fires after every applied snapshot; nil is allowed.
func New(maxSeats int, onChanged func([]domain.Participant)) *Registry {
	return &Registry{
		maxSeats:     maxSeats,
		participants: make(map[string]domain.Participant),
		onChanged:    onChanged,
	}
}

// ApplySnapshot replaces the local view with the backend's participant list.
func (r *Registry) ApplySnapshot(participants []domain.Participant) {
	r.mu.Lock()

	next := make(map[string]domain.Participant, len(participants))
	hosts := 0
	guests := 0
	for _, p := range participants {
		next[p.UserID] = p
		if !p.Active {
			continue
		}
		switch p.Role {
		case domain.RoleHost:
			hosts++
		case domain.RoleGuest:
			guests++
		}
	}

	if hosts != 1 {
		logger.Warn("Participant snapshot violates single-host invariant",
			zap.Int("active_hosts", hosts))
	}
	if guests > r.maxSeats {
		// Backend truth wins, but an over-capacity snapshot means a server
		// bug worth flagging loudly.
		logger.Error("Participant snapshot exceeds seat capacity",
			zap.Int("active_guests", guests),
			zap.Int("max_seats", r.maxSeats))
	}

	r.participants = next
	snapshot := r.activeLocked()
	r.mu.Unlock()

	if r.onChanged != nil {
		r.onChanged(snapshot)
	}
}

// Active returns the active participants ordered by join time.
func (r *Registry) Active() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Get returns a participant by user ID.
func (r *Registry) Get(userID string) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[userID]
	return p, ok
}

// ActiveGuestCount returns the number of active guests. It can never exceed
// MaxSeats for a snapshot the validators accepted.
func (r *Registry) ActiveGuestCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, p := range r.participants {
		if p.Active && p.Role == domain.RoleGuest {
			count++
		}
	}
	return count
}

// AvailableSeats returns the remaining guest capacity.
func (r *Registry) AvailableSeats() int {
	seats := r.maxSeats - r.ActiveGuestCount()
	if seats < 0 {
		return 0
	}
	return seats
}

// MaxSeats returns the configured capacity.
func (r *Registry) MaxSeats() int {
	return r.maxSeats
}

// ValidatePromote checks that the target can take a guest seat: it must be
// an active viewer and a seat must be free. The actual mutation happens on
// the backend.
func (r *Registry) ValidatePromote(participantID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[participantID]
	if !ok || !p.Active {
		return fmt.Errorf("%w: %s", ErrNotFound, participantID)
	}
	if p.Role != domain.RoleViewer {
		return fmt.Errorf("%w: %s is %s", ErrNotViewer, participantID, p.Role)
	}

	guests := 0
	for _, q := range r.participants {
		if q.Active && q.Role == domain.RoleGuest {
			guests++
		}
	}
	if guests >= r.maxSeats {
		return fmt.Errorf("%w: %d/%d occupied", ErrSeatsFull, guests, r.maxSeats)
	}
	return nil
}

// ValidateRemove checks that the target exists and is not the host.
func (r *Registry) ValidateRemove(participantID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[participantID]
	if !ok || !p.Active {
		return fmt.Errorf("%w: %s", ErrNotFound, participantID)
	}
	if p.Role == domain.RoleHost {
		return fmt.Errorf("%w: %s", ErrTargetIsHost, participantID)
	}
	return nil
}

// ValidateInvite checks the invite target name.
func (r *Registry) ValidateInvite(username string) error {
	if username == "" {
		return ErrInvalidTarget
	}
	return nil
}
