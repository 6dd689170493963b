package domain

import "time"

// SessionMode selects between a single-host stream and a multi-seat stream.
type SessionMode string

const (
	ModeSingle SessionMode = "single"
	ModeMulti  SessionMode = "multi"
)

// SessionState is the lifecycle state of a live session.
type SessionState string

const (
	StateIdle                  SessionState = "idle"
	StateInitializing          SessionState = "initializing"
	StateAwaitingTierClearance SessionState = "awaiting_tier_clearance"
	StateCreating              SessionState = "creating"
	StateJoining               SessionState = "joining"
	StateLive                  SessionState = "live"
	StateEnding                SessionState = "ending"
	StateEnded                 SessionState = "ended"
	StateFailed                SessionState = "failed"
)

// Terminal reports whether the state has no pending async work and cannot
// transition further.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Session is one live-stream instance from creation to end.
type Session struct {
	ID              string       `json:"id"`
	HostID          string       `json:"host_id"`
	Title           string       `json:"title"`
	Mode            SessionMode  `json:"mode"`
	MaxSeats        int          `json:"max_seats"`
	TierRequirement TierLevel    `json:"tier_requirement"`
	ChannelID       string       `json:"channel_id"`
	State           SessionState `json:"state"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}
