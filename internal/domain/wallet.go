package domain

import "time"

// WalletBalance is a snapshot of the backend-owned coin balance. The client
// never computes a balance locally; it only republishes what the backend
// returned.
type WalletBalance struct {
	Coins int `json:"coins"`
}

// Gift is an immutable catalog entry.
type Gift struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Cost    int    `json:"cost"`
	IconRef string `json:"icon_ref"`
}

// CoinPackage is an immutable purchasable coin bundle.
type CoinPackage struct {
	ID         string `json:"id"`
	Coins      int    `json:"coins"`
	BonusCoins int    `json:"bonus_coins"`
	Price      int    `json:"price"`
}

// GiftSendRequest is the unit of at-most-once charging. The idempotency key
// is minted once per logical send and reused on every retry.
type GiftSendRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	SessionID      string    `json:"session_id"`
	GiftID         string    `json:"gift_id"`
	RequestedAt    time.Time `json:"requested_at"`
}
