package videocall

import "context"

// CallHandle identifies one live call owned by the active session. A handle
// is never shared across sessions and is disposed on every exit path.
type CallHandle interface {
	CallID() string
}

// RemoteParticipant is a media-level participant as the provider sees it.
type RemoteParticipant struct {
	UserID   string
	HasVideo bool
	HasAudio bool
}

// Provider wraps the third-party call SDK. The SDK's own callbacks and
// lifecycle stay behind this interface; the session state machine is the only
// place that reasons about call state. Implementations must tolerate Leave
// on a handle that never finished joining.
type Provider interface {
	CreateOrJoinCall(ctx context.Context, callID string) (CallHandle, error)
	Leave(handle CallHandle) error
	EnableCamera(handle CallHandle) error
	DisableCamera(handle CallHandle) error
	EnableMicrophone(handle CallHandle) error
	DisableMicrophone(handle CallHandle) error
	ListRemoteParticipants(handle CallHandle) ([]RemoteParticipant, error)
}
