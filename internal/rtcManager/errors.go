package rtcManager

import (
	"errors"
	"fmt"

	"github.com/mikeyg42/peerlink/internal/signaling"
)

var (
	ErrNoSession            = errors.New("rtc: no active session")
	ErrClosed               = errors.New("rtc: manager closed")
	ErrTransportUnavailable = signaling.ErrNotConnected
	ErrAnswerTimeout        = errors.New("rtc: no answer received before timeout")
	ErrReconnectExhausted   = errors.New("rtc: reconnection attempts exhausted")
	ErrConnectionTimeout    = errors.New("rtc: link not connected before timeout")
)

// MediaAcquisitionError reports that the camera or microphone could not be
// opened. It is fatal to starting a link.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition failed: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}
