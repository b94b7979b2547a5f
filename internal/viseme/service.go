package viseme

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no service connection is open.
	ErrNotConnected = errors.New("viseme service not connected")
	// ErrRejected is returned when the service declines a request.
	ErrRejected = errors.New("viseme request rejected")
)

// RequestError is a service-side failure for one request.
type RequestError struct {
	RequestID string
	Message   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("viseme request %s failed: %s", e.RequestID, e.Message)
}

// Service computes viseme and subtitle cues for audio.
//
// SendAudioChunk returns once the service has accepted or refused the
// request; cues arrive later through OnComplete. OnChunk delivers partial
// cues for early display. OnError reports failures, including
// *RequestError for a request that was accepted but could not finish.
type Service interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendAudioChunk(ctx context.Context, requestID string, audio []byte) error
	OnComplete(func(Result))
	OnChunk(func(Result))
	OnError(func(error))
}
