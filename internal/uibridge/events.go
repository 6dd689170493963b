package uibridge

import (
	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/gift"
	"github.com/nantokaworks/streamlive/internal/session"
)

// SessionEvents returns orchestrator callbacks that forward every core
// output event to the hub's UI clients.
func SessionEvents(h *Hub) session.Events {
	return session.Events{
		OnStateChanged: func(s domain.SessionState) {
			h.Broadcast("state_changed", map[string]string{"state": string(s)})
		},
		OnMessage: func(msg domain.Message) {
			h.Broadcast("message", msg)
		},
		OnParticipantsChanged: func(participants []domain.Participant) {
			h.Broadcast("participants_changed", participants)
		},
		OnError: func(kind domain.ErrorKind, err error) {
			h.Broadcast("error", map[string]string{
				"kind":    string(kind),
				"message": err.Error(),
			})
		},
	}
}

// GiftEvents returns gift-engine callbacks that forward balance and
// animation events to the hub's UI clients.
func GiftEvents(h *Hub) gift.Events {
	return gift.Events{
		OnBalanceChanged: func(b domain.WalletBalance) {
			h.Broadcast("balance_changed", b)
		},
		OnGiftAnimation: func(token *gift.AnimationToken) {
			h.Broadcast("gift_animation", token)
		},
		OnError: func(kind domain.ErrorKind, err error) {
			h.Broadcast("error", map[string]string{
				"kind":    string(kind),
				"message": err.Error(),
			})
		},
	}
}
