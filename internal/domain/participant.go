package domain

import "time"

// Role is a participant's role within a live session.
type Role string

const (
	RoleHost   Role = "host"
	RoleGuest  Role = "guest"
	RoleViewer Role = "viewer"
)

// Participant is one user inside a live session. SeatIndex is meaningful only
// for guests and is always < Session.MaxSeats.
type Participant struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	SeatIndex int       `json:"seat_index"`
	JoinedAt  time.Time `json:"joined_at"`
	Active    bool      `json:"active"`
}
