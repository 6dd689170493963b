package videocall

import (
	"context"
	"sync"

	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

type loopbackHandle struct {
	id string
}

func (h *loopbackHandle) CallID() string { return h.id }

// Loopback is an in-process Provider for development and tests. It performs
// no media work, only tracks call/media state.
type Loopback struct {
	mu     sync.Mutex
	calls  map[string]bool
	camera map[string]bool
	mic    map[string]bool
}

// NewLoopback creates an empty loopback provider.
func NewLoopback() *Loopback {
	return &Loopback{
		calls:  make(map[string]bool),
		camera: make(map[string]bool),
		mic:    make(map[string]bool),
	}
}

func (l *Loopback) CreateOrJoinCall(ctx context.Context, callID string) (CallHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.calls[callID] = true
	l.mu.Unlock()

	logger.Debug("Loopback call joined", zap.String("call_id", callID))
	return &loopbackHandle{id: callID}, nil
}

func (l *Loopback) Leave(handle CallHandle) error {
	if handle == nil {
		return nil
	}

	l.mu.Lock()
	delete(l.calls, handle.CallID())
	delete(l.camera, handle.CallID())
	delete(l.mic, handle.CallID())
	l.mu.Unlock()

	logger.Debug("Loopback call left", zap.String("call_id", handle.CallID()))
	return nil
}

func (l *Loopback) EnableCamera(handle CallHandle) error {
	return l.setMedia(l.camera, handle, true)
}

func (l *Loopback) DisableCamera(handle CallHandle) error {
	return l.setMedia(l.camera, handle, false)
}

func (l *Loopback) EnableMicrophone(handle CallHandle) error {
	return l.setMedia(l.mic, handle, true)
}

func (l *Loopback) DisableMicrophone(handle CallHandle) error {
	return l.setMedia(l.mic, handle, false)
}

func (l *Loopback) ListRemoteParticipants(handle CallHandle) ([]RemoteParticipant, error) {
	return nil, nil
}

// InCall reports whether a call is currently active. Test helper.
func (l *Loopback) InCall(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[callID]
}

func (l *Loopback) setMedia(m map[string]bool, handle CallHandle, on bool) error {
	if handle == nil {
		return nil
	}
	l.mu.Lock()
	m[handle.CallID()] = on
	l.mu.Unlock()
	return nil
}
